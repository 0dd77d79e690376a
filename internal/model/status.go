package model

import (
	"github.com/rotisserie/eris"
)

// FileStatus is the lifecycle state of an ingestion file.
type FileStatus string

const (
	FileStatusNew        FileStatus = "NEW"
	FileStatusProcessing FileStatus = "PROCESSING"
	FileStatusCompleted  FileStatus = "COMPLETED"
	FileStatusFailed     FileStatus = "FAILED"
	FileStatusDuplicate  FileStatus = "DUPLICATE"
)

// ErrIllegalTransition is returned by FileStatus.Transition when the
// requested move is not an edge of the file state machine.
var ErrIllegalTransition = eris.New("model: illegal file status transition")

// transitions lists every legal edge. Terminal states have no outgoing edges.
var transitions = map[FileStatus][]FileStatus{
	FileStatusNew:        {FileStatusProcessing, FileStatusDuplicate},
	FileStatusProcessing: {FileStatusCompleted, FileStatusFailed},
}

// FileStatuses returns all statuses in lifecycle order.
func FileStatuses() []FileStatus {
	return []FileStatus{
		FileStatusNew,
		FileStatusProcessing,
		FileStatusCompleted,
		FileStatusFailed,
		FileStatusDuplicate,
	}
}

// ParseFileStatus converts a stored string into a FileStatus.
func ParseFileStatus(s string) (FileStatus, error) {
	st := FileStatus(s)
	if !st.Valid() {
		return "", eris.Errorf("model: unknown file status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the five known statuses.
func (s FileStatus) Valid() bool {
	switch s {
	case FileStatusNew, FileStatusProcessing, FileStatusCompleted, FileStatusFailed, FileStatusDuplicate:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s FileStatus) Terminal() bool {
	return s == FileStatusCompleted || s == FileStatusFailed || s == FileStatusDuplicate
}

// CanTransition reports whether s -> to is a legal edge.
func (s FileStatus) CanTransition(to FileStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns to if s -> to is legal, otherwise ErrIllegalTransition.
func (s FileStatus) Transition(to FileStatus) (FileStatus, error) {
	if !s.CanTransition(to) {
		return s, eris.Wrapf(ErrIllegalTransition, "%s -> %s", s, to)
	}
	return to, nil
}

func (s FileStatus) String() string {
	return string(s)
}
