// Package registry manages the channel bindings that map trigger files to
// their handlers.
package registry

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentos/agentos/internal/common/logger"
)

// Handler kinds a channel can bind to.
const (
	HandlerAgent   = "agent"
	HandlerCapture = "capture"
)

// ChannelConfig binds one trigger file to a handler.
type ChannelConfig struct {
	// File is the trigger filename inside the transcript directory.
	File string `yaml:"file"`

	// Handler selects how content is serviced: "agent" or "capture".
	Handler string `yaml:"handler"`

	// Agent names the persistent agent binary (relative to the agent bin
	// dir) for "agent" handlers.
	Agent string `yaml:"agent,omitempty"`

	// History names the completion-log file for this channel. Empty means
	// the channel keeps no log.
	History string `yaml:"history,omitempty"`

	// ProjectBrief enables file-listing injection when a project tag is
	// present in the request.
	ProjectBrief bool `yaml:"project_brief,omitempty"`
}

// channelsFile is the structure of the optional channels.yaml override.
type channelsFile struct {
	Channels []*ChannelConfig `yaml:"channels"`
}

// Registry holds the ordered channel set. Order of registration is service
// order: earlier channels win ties within one poll pass.
type Registry struct {
	channels []*ChannelConfig
	byFile   map[string]*ChannelConfig
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewRegistry creates an empty channel registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		byFile: make(map[string]*ChannelConfig),
		logger: log,
	}
}

// LoadDefaults installs the compiled-in channel set.
func (r *Registry) LoadDefaults() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.channels = nil
	r.byFile = make(map[string]*ChannelConfig)
	for _, ch := range DefaultChannels() {
		r.channels = append(r.channels, ch)
		r.byFile[ch.File] = ch
		r.logger.Info("loaded default channel", zap.String("file", ch.File), zap.String("handler", ch.Handler))
	}
}

// LoadFromFile replaces the channel set with the contents of a YAML file.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read channels file: %w", err)
	}

	var cf channelsFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse channels file: %w", err)
	}
	if len(cf.Channels) == 0 {
		return fmt.Errorf("channels file %s defines no channels", path)
	}

	channels := make([]*ChannelConfig, 0, len(cf.Channels))
	byFile := make(map[string]*ChannelConfig, len(cf.Channels))
	for _, ch := range cf.Channels {
		if err := ValidateConfig(ch); err != nil {
			return fmt.Errorf("channel %q: %w", ch.File, err)
		}
		if _, dup := byFile[ch.File]; dup {
			return fmt.Errorf("channel %q: duplicate trigger file", ch.File)
		}
		channels = append(channels, ch)
		byFile[ch.File] = ch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = channels
	r.byFile = byFile
	for _, ch := range channels {
		r.logger.Info("loaded channel", zap.String("file", ch.File), zap.String("handler", ch.Handler))
	}
	return nil
}

// Get returns the channel bound to a trigger file.
func (r *Registry) Get(file string) (*ChannelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, exists := r.byFile[file]
	if !exists {
		return nil, fmt.Errorf("channel %q not found", file)
	}
	return ch, nil
}

// List returns the channels in service order.
func (r *Registry) List() []*ChannelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ChannelConfig, len(r.channels))
	copy(result, r.channels)
	return result
}

// Exists checks whether a trigger file has a channel bound.
func (r *Registry) Exists(file string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.byFile[file]
	return exists
}

// ValidateConfig validates a single channel binding.
func ValidateConfig(ch *ChannelConfig) error {
	if ch.File == "" {
		return fmt.Errorf("trigger file is required")
	}
	switch ch.Handler {
	case HandlerAgent:
		if ch.Agent == "" {
			return fmt.Errorf("agent name is required for agent channels")
		}
	case HandlerCapture:
		if ch.Agent != "" {
			return fmt.Errorf("capture channels do not take an agent")
		}
	default:
		return fmt.Errorf("unknown handler %q", ch.Handler)
	}
	return nil
}
