// Package config loads the bridge's YAML configuration: the flows of the
// in-process domain, the sessions bound to them, wait budgets and the status
// server address.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/zsiec/flowbridge/internal/flow"
	"github.com/zsiec/flowbridge/internal/ring"
	"github.com/zsiec/flowbridge/internal/session"
)

// Config is the complete bridge configuration.
type Config struct {
	Domain   string   `yaml:"domain"`
	Status   Status   `yaml:"status"`
	Timeouts Timeouts `yaml:"timeouts"`
	Flows    []Flow   `yaml:"flows"`
}

// Status configures the HTTP/3 status server.
type Status struct {
	Addr      string   `yaml:"addr"`
	CertHosts []string `yaml:"cert_hosts"`
}

// Timeouts are the wait budgets shared by every session.
type Timeouts struct {
	GrainWait         time.Duration `yaml:"grain_wait"`
	SampleWait        time.Duration `yaml:"sample_wait"`
	ProducerBudget    time.Duration `yaml:"producer_budget"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	AcquireBackoff    time.Duration `yaml:"acquire_backoff"`
	AcquireMaxBackoff time.Duration `yaml:"acquire_max_backoff"`
	// ReopenAfterEmpty is how many consecutive empty reader cycles make a
	// consumer reopen its flow handle. Zero disables reopening.
	ReopenAfterEmpty int `yaml:"reopen_after_empty"`
}

// Flow describes one flow and the sessions bound to it.
type Flow struct {
	Name string    `yaml:"name"`
	ID   uuid.UUID `yaml:"id"`
	Kind flow.Kind `yaml:"kind"`
	Rate flow.Rate `yaml:"rate"`

	GrainCount  uint32 `yaml:"grain_count"`
	GrainSize   int    `yaml:"grain_size"`
	TotalSlices uint16 `yaml:"total_slices"`

	Channels       int    `yaml:"channels"`
	BytesPerSample int    `yaml:"bytes_per_sample"`
	BufferLength   uint64 `yaml:"buffer_length"`
	BatchHint      uint32 `yaml:"batch_hint"`
	BatchSize      uint32 `yaml:"batch_size"`

	// Generate feeds the flow from a test signal through a sink session.
	Generate bool `yaml:"generate"`
	// Consume drains the flow through a source session.
	Consume bool `yaml:"consume"`
}

// Info returns the flow's engine description.
func (f Flow) Info() flow.Info {
	return flow.Info{
		ID:             f.ID,
		Kind:           f.Kind,
		Rate:           f.Rate,
		GrainCount:     f.GrainCount,
		GrainSize:      f.GrainSize,
		TotalSlices:    f.TotalSlices,
		Channels:       f.Channels,
		BytesPerSample: f.BytesPerSample,
		BufferLength:   f.BufferLength,
		BatchHint:      f.BatchHint,
	}
}

// SessionConfig returns the configuration of the flow's session in role.
func (c *Config) SessionConfig(f Flow, role session.Role) session.Config {
	return session.Config{
		Name:   f.Name + "-" + role.String(),
		FlowID: f.ID,
		Kind:   f.Kind,
		Role:   role,
		Reader: ring.ReaderOptions{
			GrainTimeout:   c.Timeouts.GrainWait,
			SampleTimeout:  c.Timeouts.SampleWait,
			ProducerBudget: c.Timeouts.ProducerBudget,
			PollInterval:   c.Timeouts.PollInterval,
			BatchSize:      f.BatchSize,
		},
		AcquireBackoff:    c.Timeouts.AcquireBackoff,
		AcquireMaxBackoff: c.Timeouts.AcquireMaxBackoff,
	}
}

// Default returns a demo configuration: one 25fps video flow and one 48kHz
// stereo float32 audio flow, each generated and consumed in-process.
func Default() *Config {
	cfg := &Config{
		Domain: "flowbridge",
		Flows: []Flow{
			{
				Name:        "video",
				Kind:        flow.KindVideo,
				Rate:        flow.Rate25,
				GrainCount:  16,
				GrainSize:   320 * 180 * 2,
				TotalSlices: 180,
				Generate:    true,
				Consume:     true,
			},
			{
				Name:           "audio",
				Kind:           flow.KindAudio,
				Rate:           flow.RateAudio48,
				Channels:       2,
				BytesPerSample: 4,
				BufferLength:   4096,
				BatchHint:      480,
				Generate:       true,
				Consume:        true,
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates YAML configuration data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Domain == "" {
		c.Domain = "flowbridge"
	}
	if c.Status.Addr == "" {
		c.Status.Addr = ":4445"
	}
	t := &c.Timeouts
	if t.GrainWait == 0 {
		t.GrainWait = ring.DefaultGrainTimeout
	}
	if t.SampleWait == 0 {
		t.SampleWait = ring.DefaultSampleTimeout
	}
	if t.ProducerBudget == 0 {
		t.ProducerBudget = ring.DefaultProducerBudget
	}
	if t.PollInterval == 0 {
		t.PollInterval = ring.DefaultPollInterval
	}
	if t.AcquireBackoff == 0 {
		t.AcquireBackoff = session.DefaultAcquireBackoff
	}
	if t.AcquireMaxBackoff == 0 {
		t.AcquireMaxBackoff = session.DefaultAcquireMaxBackoff
	}
	for i := range c.Flows {
		f := &c.Flows[i]
		if f.ID == uuid.Nil {
			f.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("flowbridge:"+c.Domain+"/"+f.Name))
		}
		if f.Kind == flow.KindAudio && f.BatchSize == 0 {
			f.BatchSize = ring.DefaultSampleBatchSize
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	t := c.Timeouts
	if t.GrainWait < 0 || t.SampleWait < 0 || t.ProducerBudget < 0 || t.PollInterval < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if t.AcquireMaxBackoff < t.AcquireBackoff {
		errs = append(errs, fmt.Errorf("acquire_max_backoff %v is below acquire_backoff %v", t.AcquireMaxBackoff, t.AcquireBackoff))
	}
	if t.ReopenAfterEmpty < 0 {
		errs = append(errs, errors.New("reopen_after_empty must not be negative"))
	}
	if len(c.Flows) == 0 {
		errs = append(errs, errors.New("at least one flow is required"))
	}

	names := make(map[string]bool)
	ids := make(map[uuid.UUID]bool)
	for i, f := range c.Flows {
		if f.Name == "" {
			errs = append(errs, fmt.Errorf("flows[%d]: name is required", i))
		} else if names[f.Name] {
			errs = append(errs, fmt.Errorf("flows[%d]: duplicate name %q", i, f.Name))
		}
		names[f.Name] = true
		if ids[f.ID] {
			errs = append(errs, fmt.Errorf("flows[%d]: duplicate id %s", i, f.ID))
		}
		ids[f.ID] = true
		if err := f.validate(); err != nil {
			errs = append(errs, fmt.Errorf("flows[%d] %q: %w", i, f.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (f Flow) validate() error {
	if !f.Rate.Valid() {
		return fmt.Errorf("rate %s: %w", f.Rate, flow.ErrInvalidRate)
	}
	switch f.Kind {
	case flow.KindVideo:
		if f.GrainCount == 0 || f.GrainSize <= 0 {
			return fmt.Errorf("grain_count and grain_size must be positive: %w", flow.ErrInvalidGeometry)
		}
		if f.TotalSlices == 0 || int(f.TotalSlices) > f.GrainSize {
			return fmt.Errorf("total_slices %d for %d-byte grain: %w", f.TotalSlices, f.GrainSize, flow.ErrInvalidGeometry)
		}
	case flow.KindAudio:
		if f.Channels <= 0 || f.BytesPerSample <= 0 {
			return fmt.Errorf("channels and bytes_per_sample must be positive: %w", flow.ErrInvalidGeometry)
		}
		if f.BufferLength < 2 {
			return fmt.Errorf("buffer_length %d: %w", f.BufferLength, flow.ErrInvalidGeometry)
		}
		if f.Generate && f.BytesPerSample != 4 {
			return errors.New("the audio generator produces 4-byte float samples")
		}
	}
	return nil
}
