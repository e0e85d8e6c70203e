//
// Copyright 2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"github.com/nestybox/cachefs/codec"
	"github.com/nestybox/cachefs/config"
)

func TestMain(m *testing.M) {

	// Disable log generation during UT.
	logrus.SetOutput(ioutil.Discard)

	m.Run()
}

// runApp executes the cli app with a stubbed main-loop and returns the
// effective configuration.
func runApp(args ...string) (config.Config, error) {

	var got config.Config

	app := newApp()
	app.Writer = ioutil.Discard
	app.ErrWriter = ioutil.Discard
	app.Action = func(ctx *cli.Context) error {
		got = appConfig(ctx)
		return nil
	}

	err := app.Run(append([]string{"cachefs", "--log", ""}, args...))

	return got, err
}

func writeConfig(t *testing.T, doc string) string {

	path := filepath.Join(t.TempDir(), "cachefs.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(doc), 0644))

	return path
}

func Test_loadConfig(t *testing.T) {

	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		doc     string
		check   func(t *testing.T, cfg config.Config)
		wantErr bool
	}{
		{
			// Test-case 1: url-root is mandatory.
			name:    "1",
			wantErr: true,
		},
		{
			// Test-case 2: Defaults.
			name: "2",
			args: []string{"--url-root", "http://origin.test"},
			check: func(t *testing.T, cfg config.Config) {
				want := config.Default()
				want.URLRoot = "http://origin.test"
				want.Log = ""
				assert.Equal(t, want, cfg)
			},
		},
		{
			// Test-case 3: Flags.
			name: "3",
			args: []string{
				"--url-root", "http://origin.test",
				"--redis-address", "redis:6380",
				"--redis-db", "2",
				"--redis-timeout", "3s",
				"--fetch-policy", "eagain",
				"--probe-filter", "/.Trash",
				"--probe-filter", "._*",
				"--strict-errors",
				"--allow-other",
				"--mountpoint", "/mnt/cachefs",
			},
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "redis:6380", cfg.RedisAddress)
				assert.Equal(t, 2, cfg.RedisDB)
				assert.Equal(t, 3*time.Second, cfg.RedisTimeout)
				assert.Equal(t, "eagain", cfg.FetchPolicy)
				assert.Equal(t, []string{"/.Trash", "._*"}, cfg.ProbeFilter)
				assert.True(t, cfg.StrictErrors)
				assert.True(t, cfg.AllowOther)
				assert.Equal(t, "/mnt/cachefs", cfg.MountPoint)
			},
		},
		{
			// Test-case 4: Env vars.
			name: "4",
			env: map[string]string{
				"CACHEFS_URL_ROOT":      "http://env.test",
				"CACHEFS_REDIS_ADDRESS": "env:6379",
				"CACHEFS_FETCH_TIMEOUT": "5s",
			},
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "http://env.test", cfg.URLRoot)
				assert.Equal(t, "env:6379", cfg.RedisAddress)
				assert.Equal(t, 5*time.Second, cfg.FetchTimeout)
			},
		},
		{
			// Test-case 5: Precedence -- flag > env > file > default.
			name: "5",
			doc: "url-root: http://file.test\n" +
				"redis-address: file:6379\n" +
				"cache-dir: /srv/cache\n" +
				"log-level: warning\n",
			env: map[string]string{
				"CACHEFS_REDIS_ADDRESS": "env:6379",
				"CACHEFS_CACHE_DIR":     "/env/cache",
			},
			args: []string{"--cache-dir", "/flag/cache"},
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "http://file.test", cfg.URLRoot)
				assert.Equal(t, "env:6379", cfg.RedisAddress)
				assert.Equal(t, "/flag/cache", cfg.CacheDir)
				assert.Equal(t, "warning", cfg.LogLevel)
				assert.Equal(t, config.DefaultFetchTimeout, cfg.FetchTimeout)
			},
		},
		{
			// Test-case 6: Invalid settings.
			name:    "6",
			args:    []string{"--url-root", "http://origin.test", "--fetch-policy", "later"},
			wantErr: true,
		},
		{
			// Test-case 7: Unknown setting within config file.
			name:    "7",
			doc:     "url-root: http://file.test\ncolour: blue\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			args := tt.args
			if tt.doc != "" {
				args = append([]string{"--config", writeConfig(t, tt.doc)}, args...)
			}

			cfg, err := runApp(args...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}

	logrus.SetLevel(logrus.InfoLevel)
}

func Test_setupLogging(t *testing.T) {

	defer logrus.SetOutput(ioutil.Discard)
	defer logrus.SetLevel(logrus.InfoLevel)

	path := filepath.Join(t.TempDir(), "cachefs.log")

	cfg := config.Default()
	cfg.Log = path
	cfg.LogLevel = "error"

	require.NoError(t, setupLogging(cfg))
	assert.Equal(t, logrus.ErrorLevel, logrus.GetLevel())

	logrus.Error("logged")
	logrus.Info("filtered")

	buf, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(buf), "logged")
	assert.NotContains(t, string(buf), "filtered")

	cfg.Log = ""
	cfg.LogLevel = "verbose"
	assert.Error(t, setupLogging(cfg))
}

func Test_indexCommand(t *testing.T) {

	mr := miniredis.RunT(t)
	cacheDir := t.TempDir()

	dir := filepath.Join(cacheDir, "origin.test")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644))

	app := newApp()
	app.Writer = ioutil.Discard
	app.ErrWriter = ioutil.Discard

	err := app.Run([]string{
		"cachefs",
		"--log", "",
		"--url-root", "http://origin.test",
		"--redis-address", mr.Addr(),
		"--cache-dir", cacheDir,
		"index",
	})
	require.NoError(t, err)

	children, err := mr.List("http://origin.testβ")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "sub"}, children)

	blob, err := mr.Get("http://origin.test/a.txtα")
	require.NoError(t, err)

	rec, err := codec.Decode([]byte(blob))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.Size)
	assert.True(t, rec.IsLocal)
	assert.True(t, rec.FileMode().IsRegular())
}
