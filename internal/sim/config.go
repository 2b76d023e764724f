package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/skycoin/nodelink/pkg/linklog"
	"github.com/skycoin/nodelink/pkg/router"
	"github.com/skycoin/nodelink/pkg/util/pathutil"
)

// Config defines a simulation run.
type Config struct {
	// Nodes is the number of non-broker nodes connected to the broker.
	Nodes int `json:"nodes"`

	// Parcels is the number of parcels sent each way over every route.
	Parcels int `json:"parcels"`

	// ParcelSize is the size of each parcel's data. Parcels larger than
	// InlineDataLimit travel in link memory.
	ParcelSize      int `json:"parcel_size"`
	InlineDataLimit int `json:"inline_data_limit"`

	// RelayDriverObjects makes the transports between non-brokers refuse
	// driver objects, so these are relayed through the broker.
	RelayDriverObjects bool `json:"relay_driver_objects"`

	LinkLog LinkLogConfig `json:"link_log"`

	// Timeout bounds the whole run.
	Timeout Duration `json:"timeout"`
}

// LinkLogConfig configures where link statistics are stored.
type LinkLogConfig struct {
	Type     string `json:"type"` // "memory", "file" or "boltdb"
	Location string `json:"location"`
}

// DefaultConfig returns the configuration of a small simulation.
func DefaultConfig() *Config {
	return &Config{
		Nodes:           3,
		Parcels:         16,
		ParcelSize:      64,
		InlineDataLimit: router.DefaultInlineDataLimit,
		LinkLog:         LinkLogConfig{Type: "memory"},
		Timeout:         Duration(10 * time.Second),
	}
}

// ReadConfig decodes a JSON config from path over the defaults.
func ReadConfig(path string) (*Config, error) {
	f, err := os.Open(path) // nolint: gosec
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }() // nolint

	conf := DefaultConfig()
	if err := json.NewDecoder(f).Decode(conf); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %s", path, err)
	}
	return conf, conf.Validate()
}

// Validate reports the first invalid field of c.
func (c *Config) Validate() error {
	switch {
	case c.Nodes < 2:
		return errors.New("at least 2 nodes are required")
	case c.Parcels < 1:
		return errors.New("at least 1 parcel is required")
	case c.ParcelSize < 0 || c.InlineDataLimit < 0:
		return errors.New("sizes must not be negative")
	case c.Timeout <= 0:
		return errors.New("timeout must be positive")
	}
	switch c.LinkLog.Type {
	case "memory":
	case "file", "boltdb":
		if c.LinkLog.Location == "" {
			return fmt.Errorf("link log of type %s requires a location", c.LinkLog.Type)
		}
	default:
		return fmt.Errorf("invalid link log type %q", c.LinkLog.Type)
	}
	return nil
}

// LinkLogStore opens the configured link log store. The returned close
// function releases it.
func (c *Config) LinkLogStore() (linklog.Store, func() error, error) {
	noop := func() error { return nil }
	switch c.LinkLog.Type {
	case "file":
		dir, err := pathutil.EnsureDir(pathutil.Expand(c.LinkLog.Location))
		if err != nil {
			return nil, nil, err
		}
		return linklog.FileStore(dir), noop, nil
	case "boltdb":
		db, err := linklog.NewBoltDBStore(pathutil.Expand(c.LinkLog.Location))
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		return linklog.InMemoryStore(), noop, nil
	}
}

// Duration wraps around time.Duration to allow parsing from and to JSON
type Duration time.Duration

// MarshalJSON implements json marshaling
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements unmarshal from json
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
		return nil
	default:
		return errors.New("invalid duration")
	}
}
