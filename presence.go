package main

import (
	"errors"
	"regexp"
	"sort"
	"strings"
)

type presenceKind int

const (
	presenceIgnore presenceKind = iota
	presenceEnter
	presenceLeave
)

func (k presenceKind) String() string {
	switch k {
	case presenceEnter:
		return "enter"
	case presenceLeave:
		return "leave"
	default:
		return "ignore"
	}
}

var errNoActorName = errors.New("keyword matched but no actor name")

var presencePhrases = []string{"joined the game", "left the game", "lost connection"}

// presenceLineRE captures the actor between a separator ("]" or ":" followed
// by whitespace) and the keyword phrase, e.g.
//
//	[12:00:01] [Server thread/INFO]: Steve joined the game
//	12:00:05 [Server] Steve left the game
//	[12:01:00] [Server thread/INFO]: Alex lost connection: Disconnected
//	[12:02:00] [Server thread/INFO]: Some Player joined the game
//
// Names may contain spaces but never brackets, colons or "<>", so chat lines
// such as "<Bob> Alice joined the game" do not match.
var presenceLineRE = regexp.MustCompile(`[\]:]\s+([^<>\[\]:]+?)\s+(joined the game|left the game|lost connection)`)

// classifyLine maps a log line to an enter/leave event for an actor. Lines
// without a keyword phrase are presenceIgnore with a nil error. A line with a
// keyword phrase but no isolable name returns errNoActorName.
func classifyLine(line string) (presenceKind, string, error) {
	if !containsPresencePhrase(line) {
		return presenceIgnore, "", nil
	}

	matches := presenceLineRE.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return presenceIgnore, "", errNoActorName
	}
	// The separator closest to the end of the line wins.
	m := matches[len(matches)-1]
	name := strings.TrimSpace(m[1])
	if name == "" {
		return presenceIgnore, "", errNoActorName
	}
	switch m[2] {
	case "joined the game":
		return presenceEnter, name, nil
	default:
		return presenceLeave, name, nil
	}
}

func containsPresencePhrase(line string) bool {
	for _, phrase := range presencePhrases {
		if strings.Contains(line, phrase) {
			return true
		}
	}
	return false
}

// presenceSet is the set of actors currently on one server. It is owned by a
// single server monitor and is not safe for concurrent use.
type presenceSet struct {
	actors map[string]struct{}
}

func newPresenceSet() *presenceSet {
	return &presenceSet{actors: make(map[string]struct{})}
}

// Add reports whether name was absent.
func (p *presenceSet) Add(name string) bool {
	if _, ok := p.actors[name]; ok {
		return false
	}
	p.actors[name] = struct{}{}
	return true
}

// Remove reports whether name was present.
func (p *presenceSet) Remove(name string) bool {
	if _, ok := p.actors[name]; !ok {
		return false
	}
	delete(p.actors, name)
	return true
}

// Apply applies one classified event and reports whether membership changed.
func (p *presenceSet) Apply(kind presenceKind, name string) bool {
	switch kind {
	case presenceEnter:
		return p.Add(name)
	case presenceLeave:
		return p.Remove(name)
	default:
		return false
	}
}

func (p *presenceSet) Has(name string) bool {
	_, ok := p.actors[name]
	return ok
}

func (p *presenceSet) Len() int {
	return len(p.actors)
}

// Sorted returns the members in case-insensitive order, ties broken by
// byte order so the output is stable.
func (p *presenceSet) Sorted() []string {
	out := make([]string, 0, len(p.actors))
	for name := range p.actors {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := strings.ToLower(out[i]), strings.ToLower(out[j])
		if li != lj {
			return li < lj
		}
		return out[i] < out[j]
	})
	return out
}
