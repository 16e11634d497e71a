package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Context remembers the CLI's last focused conversation between runs.
type Context struct {
	// ConversationID is the last opened conversation.
	ConversationID string `yaml:"conversation,omitempty"`
	// ConversationTitle is the human-readable title (for display).
	ConversationTitle string `yaml:"conversation_title,omitempty"`
	// UserID is the user the context belongs to.
	UserID string `yaml:"user,omitempty"`
	// UpdatedAt is when the context was last modified.
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// IsEmpty returns true if no context is set.
func (c *Context) IsEmpty() bool {
	return c.ConversationID == ""
}

// Clear removes all context.
func (c *Context) Clear() {
	c.ConversationID = ""
	c.ConversationTitle = ""
	c.UpdatedAt = time.Now()
}

// SetConversation records the focused conversation for a user.
func (c *Context) SetConversation(userID, id, title string) {
	c.UserID = userID
	c.ConversationID = id
	c.ConversationTitle = title
	c.UpdatedAt = time.Now()
}

// ConversationFor returns the remembered conversation if it belongs to userID.
func (c *Context) ConversationFor(userID string) (string, bool) {
	if c.IsEmpty() || c.UserID != userID {
		return "", false
	}
	return c.ConversationID, true
}

// String returns a human-readable representation of the context.
func (c *Context) String() string {
	if c.IsEmpty() {
		return "(no conversation selected)"
	}
	name := c.ConversationTitle
	if name == "" {
		name = shortID(c.ConversationID)
	}
	return fmt.Sprintf("conversation:%s", name)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ContextStore manages loading and saving context.
type ContextStore struct {
	path string
	mu   sync.RWMutex
}

// NewContextStore creates a new context store.
// If path is empty, uses the default path (~/.config/coursechat/context.yaml).
func NewContextStore(path string) *ContextStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "coursechat", "context.yaml")
	}
	return &ContextStore{path: path}
}

// Path returns the context file path.
func (s *ContextStore) Path() string {
	return s.path
}

// Load reads the context from disk.
// Returns an empty context if the file doesn't exist.
func (s *ContextStore) Load() (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := &Context{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ctx, nil
		}
		return nil, fmt.Errorf("failed to read context file: %w", err)
	}

	if err := yaml.Unmarshal(data, ctx); err != nil {
		return nil, fmt.Errorf("failed to parse context file: %w", err)
	}

	return ctx, nil
}

// Save writes the context to disk.
func (s *ContextStore) Save(ctx *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}

	data, err := yaml.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}

	return nil
}

// Clear removes the context file.
func (s *ContextStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove context file: %w", err)
	}
	return nil
}
