package router

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// URLToken is replaced with the presentation link in Replies.Created.
const URLToken = "{url}"

// Replies holds every canned text the router sends.
type Replies struct {
	Help          string `yaml:"help"`
	Created       string `yaml:"created"`
	CreateFailed  string `yaml:"createFailed"`
	HistoryEmpty  string `yaml:"historyEmpty"`
	HistoryHeader string `yaml:"historyHeader"`
	HistoryFailed string `yaml:"historyFailed"`
	Cleared       string `yaml:"cleared"`
	ClearFailed   string `yaml:"clearFailed"`
	Fallback      string `yaml:"fallback"`
	Internal      string `yaml:"internal"`
}

func DefaultReplies() Replies {
	return Replies{
		Help: `Hello! I'm your presentation assistant. 👋

To create a Google Slides presentation, send me a message in this format:

/presentation Your Presentation Title
Slide 1 content
Slide 2 content
Slide 3 content

I'll create the presentation and send you the link when it's ready!`,
		Created:       "Your presentation is ready! Here's the link: " + URLToken + "\n\nYou can create another presentation anytime by sending a new message starting with /presentation.",
		CreateFailed:  "Sorry, there was an error creating your presentation. Please try again or type /help for instructions.",
		HistoryEmpty:  "You haven't created any presentations yet. Send /presentation followed by a title to make your first one.",
		HistoryHeader: "Your presentations:",
		HistoryFailed: "Sorry, I couldn't load your history right now. Please try again later.",
		Cleared:       "Your chat history has been cleared.",
		ClearFailed:   "Sorry, I couldn't clear your chat history right now. Please try again later.",
		Fallback:      "I'm not sure what you're asking. Type /help to see how to create a presentation.",
		Internal:      "Sorry, something went wrong. Please try again or type /help for instructions.",
	}
}

// LoadReplies reads overrides from a YAML file on top of the defaults.
// An empty path or a missing file yields the defaults.
func LoadReplies(path string) (Replies, error) {
	r := DefaultReplies()
	if strings.TrimSpace(path) == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, nil
		}
		return r, fmt.Errorf("read replies: %w", err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return DefaultReplies(), fmt.Errorf("parse replies: %w", err)
	}
	return r.withDefaults(), nil
}

// SaveReplies writes r as YAML, creating parent directories.
func SaveReplies(path string, r Replies) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create replies dir: %w", err)
	}
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal replies: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// withDefaults fills fields an override file set to empty.
func (r Replies) withDefaults() Replies {
	d := DefaultReplies()
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&r.Help, d.Help)
	fill(&r.Created, d.Created)
	fill(&r.CreateFailed, d.CreateFailed)
	fill(&r.HistoryEmpty, d.HistoryEmpty)
	fill(&r.HistoryHeader, d.HistoryHeader)
	fill(&r.HistoryFailed, d.HistoryFailed)
	fill(&r.Cleared, d.Cleared)
	fill(&r.ClearFailed, d.ClearFailed)
	fill(&r.Fallback, d.Fallback)
	fill(&r.Internal, d.Internal)
	return r
}

func (r Replies) created(url string) string {
	return strings.ReplaceAll(r.Created, URLToken, url)
}
