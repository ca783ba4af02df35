//go:build integration && unix

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

const sampleTests = `import pytest


def test_add():
    assert 1 + 1 == 2


class TestDiv:
    @pytest.mark.math
    def test_zero(self):
        1 / 0


@pytest.mark.skip
def test_skip():
    pass
`

// fakePython stands in for "python -m pytest". It prints verbose pytest
// output for tests/test_math.py. FAKE_PYTEST_MODE=pass makes every test
// pass; FAKE_PYTEST_SLEEP pauses after the first result.
const fakePython = `#!/bin/sh
echo "============================= test session starts =============================="
echo "platform linux -- Python 3.12.0, pytest-8.0.0"
echo "collected 3 items"
echo ""
echo "tests/test_math.py::test_add PASSED                                     [ 33%]"
if [ -n "$FAKE_PYTEST_SLEEP" ]; then
  sleep "$FAKE_PYTEST_SLEEP"
fi
if [ "$FAKE_PYTEST_MODE" = "pass" ]; then
  echo "tests/test_math.py::TestDiv::test_zero PASSED                           [ 66%]"
  echo "tests/test_math.py::test_skip SKIPPED (unconditional skip)              [100%]"
  echo ""
  echo "======================== 2 passed, 1 skipped in 0.01s ========================="
  exit 0
fi
echo "tests/test_math.py::TestDiv::test_zero FAILED                           [ 66%]"
echo "tests/test_math.py::test_skip SKIPPED (unconditional skip)              [100%]"
echo ""
echo "=================================== FAILURES ==================================="
echo "E       ZeroDivisionError: division by zero"
echo "=========================== short test summary info ============================"
echo "FAILED tests/test_math.py::TestDiv::test_zero - ZeroDivisionError"
echo "=================== 1 failed, 1 passed, 1 skipped in 0.01s ===================="
exit 1
`

var (
	buildOnce sync.Once
	builtPath string
	buildErr  error
	buildOut  []byte
)

// binaryPath builds the CLI once per test binary
func binaryPath(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "pytest-orch-bin")
		if err != nil {
			buildErr = err
			return
		}
		builtPath = filepath.Join(dir, "pytest-orch")
		cmd := exec.Command("go", "build", "-o", builtPath, "../cmd/pytest-orch")
		buildOut, buildErr = cmd.CombinedOutput()
	})
	if buildErr != nil {
		t.Fatalf("Failed to build binary: %v\n%s", buildErr, buildOut)
	}
	return builtPath
}

// Project is a throwaway Python project driven by the fake interpreter
type Project struct {
	Root        string
	Interpreter string
	DBPath      string
	ConfigPath  string
}

// NewProject writes the sample tests, the fake interpreter and a config
func NewProject(t *testing.T) *Project {
	t.Helper()
	base := t.TempDir()
	p := &Project{
		Root:        filepath.Join(base, "project"),
		Interpreter: filepath.Join(base, "bin", "fakepython"),
		DBPath:      filepath.Join(base, "history.db"),
		ConfigPath:  filepath.Join(base, "config.toml"),
	}

	writeFile(t, filepath.Join(p.Root, "tests", "test_math.py"), sampleTests, 0644)
	writeFile(t, filepath.Join(p.Root, "tests", "conftest.py"), "", 0644)
	writeFile(t, p.Interpreter, fakePython, 0755)

	config := `[general]
project_root = "` + p.Root + `"
database_path = "` + p.DBPath + `"
log_level = "warn"
watch_files = false

[runner]
interpreter = "` + p.Interpreter + `"
tool = "pytest"
stop_timeout = "2s"
env_file = ".env"

[notifications]
desktop = false

[web]
port = 18080
host = "127.0.0.1"
`
	writeFile(t, p.ConfigPath, config, 0644)
	return p
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}
