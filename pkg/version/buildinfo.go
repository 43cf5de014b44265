package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"text/tabwriter"
)

func init() {
	buildInfo = moduleBuildInfo
}

// moduleBuildInfo lists the architecture the syscall table was compiled
// for, followed by the main module, VCS settings and dependencies.
func moduleBuildInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "arch\t%s/%s\n", runtime.GOOS, runtime.GOARCH)

	info, ok := debug.ReadBuildInfo()
	if !ok {
		b.WriteString("not built in module mode\n")
		return b.String()
	}

	w := tabwriter.NewWriter(&b, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, s := range info.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			fmt.Fprintf(w, "%s\t%s\t\n", s.Key, s.Value)
		}
	}
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			fmt.Fprintf(w, "dep\t%s\t%s => %s %s\n", dep.Path, dep.Version, dep.Replace.Path, dep.Replace.Version)
			continue
		}
		fmt.Fprintf(w, "dep\t%s\t%s\n", dep.Path, dep.Version)
	}
	w.Flush()
	return b.String()
}
