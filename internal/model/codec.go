package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	moveSeparator    = "-"
	timerSeparator   = ";"
	rematchSeparator = ";"

	// TimerGGLiteral marks a timer that was claimed as a victory.
	TimerGGLiteral = "gg"
	// RematchEndMarker closes a rematch series when appended to a list.
	RematchEndMarker = 'x'
)

var (
	ErrTimerFormat   = errors.New("wrong timer format")
	ErrRematchFormat = errors.New("wrong rematch list format")
)

// Moves is an append-only history of move tokens.
type Moves []string

func ParseMoves(s string) Moves {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return Moves(strings.Split(s, moveSeparator))
}

func (m Moves) String() string { return strings.Join(m, moveSeparator) }

// Append returns a new history with token at the end; m is left untouched.
func (m Moves) Append(token string) Moves {
	out := make(Moves, len(m), len(m)+1)
	copy(out, m)
	return append(out, token)
}

// HasPrefix reports whether p is a leading run of m.
func (m Moves) HasPrefix(p Moves) bool {
	if len(p) > len(m) {
		return false
	}
	for i := range p {
		if m[i] != p[i] {
			return false
		}
	}
	return true
}

func (m Moves) Equal(o Moves) bool { return len(m) == len(o) && m.HasPrefix(o) }

// Timer is the decoded "turn;deadline" pair, or a claimed victory.
type Timer struct {
	Turn       int
	DeadlineMs int64
	GG         bool
}

func ParseTimer(s string) (Timer, error) {
	s = strings.TrimSpace(s)
	if s == TimerGGLiteral {
		return Timer{GG: true}, nil
	}
	turnRaw, deadlineRaw, ok := strings.Cut(s, timerSeparator)
	if !ok {
		return Timer{}, ErrTimerFormat
	}
	turn, err := strconv.Atoi(turnRaw)
	if err != nil {
		return Timer{}, ErrTimerFormat
	}
	deadline, err := strconv.ParseInt(deadlineRaw, 10, 64)
	if err != nil {
		return Timer{}, ErrTimerFormat
	}
	return Timer{Turn: turn, DeadlineMs: deadline}, nil
}

func (t Timer) String() string {
	if t.GG {
		return TimerGGLiteral
	}
	return fmt.Sprintf("%d%s%d", t.Turn, timerSeparator, t.DeadlineMs)
}

// RematchList is one side's ordered rematch proposals.
type RematchList struct {
	Indices []int
	Closed  bool
}

// ParseRematchList accepts "", "1;2;3" and any of those followed by one or more
// end markers.
func ParseRematchList(s string) (RematchList, error) {
	s = strings.TrimSpace(s)
	var l RematchList
	trimmed := strings.TrimRight(s, string(RematchEndMarker))
	l.Closed = len(trimmed) != len(s)
	if trimmed == "" {
		return l, nil
	}
	parts := strings.Split(trimmed, rematchSeparator)
	l.Indices = make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return RematchList{}, fmt.Errorf("%w: %q", ErrRematchFormat, s)
		}
		l.Indices = append(l.Indices, n)
	}
	return l, nil
}

func (l RematchList) String() string {
	var b strings.Builder
	for i, n := range l.Indices {
		if i > 0 {
			b.WriteString(rematchSeparator)
		}
		b.WriteString(strconv.Itoa(n))
	}
	if l.Closed {
		b.WriteByte(RematchEndMarker)
	}
	return b.String()
}

func (l RematchList) Len() int { return len(l.Indices) }

// Append returns a copy with index added.
func (l RematchList) Append(index int) RematchList {
	out := RematchList{Indices: make([]int, len(l.Indices), len(l.Indices)+1), Closed: l.Closed}
	copy(out.Indices, l.Indices)
	out.Indices = append(out.Indices, index)
	return out
}

// MatchID derives the id of the index-th match in an invite's series.
func MatchID(inviteID string, index int) string {
	if index == 0 {
		return inviteID
	}
	return inviteID + strconv.Itoa(index)
}
