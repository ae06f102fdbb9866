package workflow

import (
	"fmt"
	"path"
)

// Mode selects one of the two isolated workflow namespaces. Every path the
// system touches is derived from the mode, so regular and meta workflows
// never share artifacts, gate records, task files or process records.
type Mode string

const (
	ModeRegular Mode = "regular"
	ModeMeta    Mode = "meta"
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", string(ModeRegular):
		return ModeRegular, nil
	case string(ModeMeta):
		return ModeMeta, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

func (m Mode) String() string {
	return string(m)
}

// Root is the namespace's directory relative to the project root.
func (m Mode) Root() string {
	if m == ModeMeta {
		return ".phasegate-meta"
	}
	return ".phasegate"
}

func (m Mode) OutputsDir() string {
	return path.Join(m.Root(), "outputs")
}

func (m Mode) ArtifactPath(name string) string {
	return path.Join(m.OutputsDir(), name)
}

func (m Mode) GatesDir() string {
	return path.Join(m.Root(), "gates")
}

func (m Mode) GatePath(name string) string {
	return path.Join(m.GatesDir(), name)
}

func (m Mode) ChecklistPath() string {
	return path.Join(m.Root(), "tasks-checklist.md")
}

func (m Mode) TaskStatusPath() string {
	return path.Join(m.Root(), "tasks.md")
}

func (m Mode) PidRecordsPath() string {
	if m == ModeMeta {
		return path.Join(m.Root(), "pids-meta.yaml")
	}
	return path.Join(m.Root(), "pids.yaml")
}
