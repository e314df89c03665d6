package formatter

import (
	"fmt"
	"path"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

const defaultModule = "github.com/nexusio/nexus"

// SourceHook records the caller as a path relative to the module root
type SourceHook struct {
	// roots are tried in order, the path after the last match is kept
	roots []string
}

// NewSourceHook builds a hook for the running binary's module
func NewSourceHook() *SourceHook {
	module := defaultModule
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Path != "" {
		module = info.Main.Path
	}
	return &SourceHook{roots: []string{module + "/", "/" + path.Base(module) + "/"}}
}

// Levels implements logrus.Hook
func (h *SourceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook
func (h *SourceHook) Fire(entry *logrus.Entry) error {
	if entry.Caller == nil {
		return nil
	}
	entry.Data[sourceKey] = fmt.Sprintf("%s:%d", h.relative(entry.Caller.File), entry.Caller.Line)
	return nil
}

func (h *SourceHook) relative(file string) string {
	for _, root := range h.roots {
		if i := strings.LastIndex(file, root); i >= 0 {
			return file[i+len(root):]
		}
	}

	// not inside the module, keep the package directory and file name
	return path.Join(path.Base(path.Dir(file)), path.Base(file))
}
