package router

import (
	"regexp"
	"strings"

	"github.com/stellarlinkco/deckbot/internal/deck"
)

// Intent is the classified purpose of one inbound message.
type Intent int

const (
	Fallback Intent = iota
	Greeting
	Help
	History
	Clear
	Create
)

func (i Intent) String() string {
	switch i {
	case Greeting:
		return "greeting"
	case Help:
		return "help"
	case History:
		return "history"
	case Clear:
		return "clear"
	case Create:
		return "create"
	default:
		return "fallback"
	}
}

const (
	HelpCommand    = "/help"
	HistoryCommand = "/history"
	ClearCommand   = "/clear"
)

var greetingPattern = regexp.MustCompile(`(?i)\b(hello|hi|hey|hola|greetings|howdy|good\s+morning|good\s+afternoon|good\s+evening)\b`)

// Rule pairs a predicate with the intent it selects.
type Rule struct {
	Intent Intent
	Match  func(text string) bool
}

// DefaultRules returns the classification rules in precedence order.
func DefaultRules() []Rule {
	return []Rule{
		{Intent: Greeting, Match: IsGreeting},
		{Intent: Help, Match: equalsCommand(HelpCommand)},
		{Intent: History, Match: equalsCommand(HistoryCommand)},
		{Intent: Clear, Match: equalsCommand(ClearCommand)},
		{Intent: Create, Match: deck.HasCommandPrefix},
	}
}

// Classify returns the intent of the first matching rule, or Fallback.
func Classify(rules []Rule, text string) Intent {
	text = strings.TrimSpace(text)
	for _, r := range rules {
		if r.Match(text) {
			return r.Intent
		}
	}
	return Fallback
}

// IsGreeting reports whether text contains a greeting as a whole word.
func IsGreeting(text string) bool {
	return greetingPattern.MatchString(text)
}

func equalsCommand(cmd string) func(string) bool {
	return func(text string) bool {
		return strings.EqualFold(strings.TrimSpace(text), cmd)
	}
}
