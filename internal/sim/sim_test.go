package sim

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/nodelink/pkg/routing"
)

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			log.Fatal(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		valid  bool
	}{
		{"default", func(c *Config) {}, true},
		{"one node", func(c *Config) { c.Nodes = 1 }, false},
		{"no parcels", func(c *Config) { c.Parcels = 0 }, false},
		{"negative size", func(c *Config) { c.ParcelSize = -1 }, false},
		{"no timeout", func(c *Config) { c.Timeout = 0 }, false},
		{"bad link log", func(c *Config) { c.LinkLog.Type = "redis" }, false},
		{"boltdb without location", func(c *Config) { c.LinkLog.Type = "boltdb" }, false},
		{"boltdb", func(c *Config) { c.LinkLog = LinkLogConfig{Type: "boltdb", Location: "links.db"} }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.modify(c)
			if tc.valid {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}

func TestReadConfig(t *testing.T) {
	dir, err := ioutil.TempDir("", "nodelink-sim")
	require.NoError(t, err)
	defer func() { require.NoError(t, os.RemoveAll(dir)) }()

	path := filepath.Join(dir, "sim.json")
	raw := `{"nodes": 4, "parcel_size": 1024, "timeout": "3s", "link_log": {"type": "file", "location": "` + dir + `"}}`
	require.NoError(t, ioutil.WriteFile(path, []byte(raw), 0600))

	conf, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, conf.Nodes)
	assert.Equal(t, 1024, conf.ParcelSize)
	assert.Equal(t, DefaultConfig().Parcels, conf.Parcels)
	assert.Equal(t, Duration(3*time.Second), conf.Timeout)

	out, err := json.Marshal(conf.Timeout)
	require.NoError(t, err)
	assert.Equal(t, `"3s"`, string(out))

	require.NoError(t, ioutil.WriteFile(path, []byte(`{"timeout": true}`), 0600))
	_, err = ReadConfig(path)
	assert.Error(t, err)
}

func runSimulation(t *testing.T, conf *Config) *Simulation {
	s, err := New(conf, nil)
	require.NoError(t, err)
	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, conf.Nodes-1, report.Routes)
	assert.Equal(t, 2*conf.Parcels*(conf.Nodes-1), report.Parcels)
	return s
}

func TestSimulation_Run(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"inline parcels", func(c *Config) {}},
		{"fragment parcels", func(c *Config) { c.ParcelSize = 4000 }},
		{"relayed boxes", func(c *Config) { c.RelayDriverObjects = true }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conf := DefaultConfig()
			tc.modify(conf)
			s := runSimulation(t, conf)

			require.NoError(t, s.Stop())
			logs, err := s.LinkLogs()
			require.NoError(t, err)
			broker, ok := logs[s.Broker().Name()]
			require.True(t, ok)
			assert.Equal(t, uint64(conf.Nodes), broker.Links)
			assert.NotZero(t, broker.MessagesReceived)
			assert.Zero(t, broker.ValidationFailures)
			require.NoError(t, s.Close())
		})
	}
}

func TestSimulation_BoltDBLinkLog(t *testing.T) {
	dir, err := ioutil.TempDir("", "nodelink-sim")
	require.NoError(t, err)
	defer func() { require.NoError(t, os.RemoveAll(dir)) }()

	conf := DefaultConfig()
	conf.Nodes = 2
	conf.LinkLog = LinkLogConfig{Type: "boltdb", Location: filepath.Join(dir, "links.db")}
	s := runSimulation(t, conf)
	require.NoError(t, s.Stop())

	logs, err := s.LinkLogs()
	require.NoError(t, err)
	assert.Contains(t, logs, s.Broker().Name())
	require.NoError(t, s.Close())

	// Entries outlive the store.
	conf.LinkLog.Type = "boltdb"
	store, closeStore, err := conf.LinkLogStore()
	require.NoError(t, err)
	defer func() { require.NoError(t, closeStore()) }()
	e, err := store.Entry(s.Broker().Name())
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, uint64(2), e.Links)
}

func TestSimulation_Handler(t *testing.T) {
	conf := DefaultConfig()
	conf.Nodes = 2
	s := runSimulation(t, conf)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/links")
	require.NoError(t, err)
	var links []LinkInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&links))
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, len(links) >= 4)

	tests := []struct {
		name string
		node string
		code int
	}{
		{"malformed name", "not-a-name", http.StatusBadRequest},
		{"unknown node", routing.NewNodeName().String(), http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/links/" + tc.node)
			require.NoError(t, err)
			require.NoError(t, resp.Body.Close())
			assert.Equal(t, tc.code, resp.StatusCode)
		})
	}

	require.NoError(t, s.Stop())
	resp, err = http.Get(srv.URL + "/links/" + s.Broker().Name().String())
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, s.Close())
}
