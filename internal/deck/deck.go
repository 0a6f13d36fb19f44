// Package deck compiles chat message text into a structured slide deck.
package deck

import "strings"

const (
	// CommandPrefix starts a deck creation message.
	CommandPrefix = "/presentation"

	DefaultTitle          = "Untitled Presentation"
	PlaceholderSlideTitle = "Slide 1"
	PlaceholderSlideBody  = "No content provided"

	// Ellipsis is appended to every auto-generated slide title.
	Ellipsis = "..."

	autoTitleWords = 3
)

// Slide is one title+body page.
type Slide struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Deck is a titled, ordered, never-empty list of slides.
type Deck struct {
	Title  string  `json:"title"`
	Slides []Slide `json:"slides"`
}

// Compile turns raw message text into a Deck. The first non-blank line is the
// deck title (with the command prefix stripped); every following non-blank line
// becomes one slide. Compile never fails: missing pieces fall back to defaults.
func Compile(raw string) Deck {
	lines := nonEmptyLines(raw)
	if len(lines) == 0 {
		return Deck{Title: DefaultTitle, Slides: placeholderSlides()}
	}

	title := StripCommand(lines[0])
	if title == "" {
		title = DefaultTitle
	}

	slides := make([]Slide, 0, len(lines)-1)
	for _, line := range lines[1:] {
		slides = append(slides, Slide{
			Title: AutoTitle(line),
			Body:  line,
		})
	}
	if len(slides) == 0 {
		slides = placeholderSlides()
	}

	return Deck{Title: title, Slides: slides}
}

// StripCommand removes a leading CommandPrefix (any case) and surrounding whitespace.
func StripCommand(line string) string {
	line = strings.TrimSpace(line)
	if len(line) >= len(CommandPrefix) && strings.EqualFold(line[:len(CommandPrefix)], CommandPrefix) {
		line = line[len(CommandPrefix):]
	}
	return strings.TrimSpace(line)
}

// AutoTitle derives a slide title from the first three words of body.
// An empty body yields an empty title.
func AutoTitle(body string) string {
	words := strings.Fields(body)
	if len(words) == 0 {
		return ""
	}
	if len(words) > autoTitleWords {
		words = words[:autoTitleWords]
	}
	return strings.Join(words, " ") + Ellipsis
}

// HasCommandPrefix reports whether text starts with CommandPrefix, ignoring case
// and leading whitespace.
func HasCommandPrefix(text string) bool {
	text = strings.TrimSpace(text)
	return len(text) >= len(CommandPrefix) && strings.EqualFold(text[:len(CommandPrefix)], CommandPrefix)
}

func nonEmptyLines(raw string) []string {
	parts := strings.Split(raw, "\n")
	lines := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			lines = append(lines, p)
		}
	}
	return lines
}

func placeholderSlides() []Slide {
	return []Slide{{Title: PlaceholderSlideTitle, Body: PlaceholderSlideBody}}
}
