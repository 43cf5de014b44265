// Package test builds and runs the programs under _fixtures that tests
// attach to.
package test

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
)

// Fixture is a test binary.
type Fixture struct {
	// Name is the short name of the fixture.
	Name string
	// Path is the absolute path to the test binary.
	Path string
	// Source is the absolute path of the test binary source.
	Source string
}

var (
	fixturesMu sync.Mutex
	// Fixtures is a map of Fixture.Name to Fixture.
	Fixtures = make(map[string]Fixture)
)

// FindFixturesDir walks up from the working directory until it finds the
// _fixtures directory.
func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	return fixturesDir
}

// BuildFixture compiles _fixtures/<name>.go once per test binary.
func BuildFixture(t testing.TB, name string) Fixture {
	t.Helper()
	fixturesMu.Lock()
	defer fixturesMu.Unlock()
	if f, ok := Fixtures[name]; ok {
		return f
	}

	fixturesDir := FindFixturesDir()

	// Make a (good enough) random temporary file name
	r := make([]byte, 4)
	rand.Read(r)
	path := filepath.Join(fixturesDir, name+".go")
	tmpfile := filepath.Join(os.TempDir(), fmt.Sprintf("%s.%s", name, hex.EncodeToString(r)))

	cmd := exec.Command("go", "build", "-o", tmpfile, name+".go")
	cmd.Dir = fixturesDir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Error compiling %s: %v\n%s", path, err, out)
	}

	source, _ := filepath.Abs(path)
	Fixtures[name] = Fixture{Name: name, Path: tmpfile, Source: source}
	return Fixtures[name]
}

// RunTestsWithFixtures runs the tests and deletes the fixtures built along
// the way.
func RunTestsWithFixtures(m interface{ Run() int }) int {
	status := m.Run()

	fixturesMu.Lock()
	defer fixturesMu.Unlock()
	for _, f := range Fixtures {
		os.Remove(f.Path)
	}
	return status
}

// Start runs fixture in its own process group, so that it can pass the
// process group check, with stdout and stderr going to the given files.
// The process is killed and reaped when the test ends.
func Start(t testing.TB, fixture Fixture, dir string, stdout, stderr *os.File, args ...string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(fixture.Path, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting %s: %v", fixture.Name, err)
	}
	t.Cleanup(func() { Stop(cmd) })
	return cmd
}

// Stop kills cmd and waits for it. Stopping twice is harmless.
func Stop(cmd *exec.Cmd) {
	if cmd.Process == nil || cmd.ProcessState != nil {
		return
	}
	cmd.Process.Kill()
	var exitErr *exec.ExitError
	if err := cmd.Wait(); err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintf(os.Stderr, "waiting for %d: %v\n", cmd.Process.Pid, err)
	}
}
