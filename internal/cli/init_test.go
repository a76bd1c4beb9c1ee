package cli_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/tiercache/internal/cli"
)

func Test_Init_Writes_Default_Config_And_Refuses_To_Overwrite(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	path := filepath.Join(c.Dir, ".tiercache.json")

	err := os.Remove(path)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	cli.AssertContains(t, c.MustRun("init"), "wrote "+path)

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	cli.AssertContains(t, string(content), `"segment_capacity": 67108864`)
	cli.AssertContains(t, string(content), `"default_ttl": "1h0m0s"`)

	cli.AssertContains(t, c.MustFail("init"), "already exists")

	c.WriteConfig(`{"default_ttl": "5m"}`)
	c.MustRun("init", "--force")

	cli.AssertContains(t, c.MustRun("print-config"), `"default_ttl": "1h0m0s"`)
}

func Test_Print_Config_Shows_Effective_Values_And_Sources(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, `"segment_capacity": 65536`)
	cli.AssertContains(t, stdout, `"lock_timeout": "2s"`)
	cli.AssertContains(t, stdout, "effective_cwd="+c.Dir)
	cli.AssertContains(t, stdout, "segment_path="+c.SegmentPath())
	cli.AssertContains(t, stdout, "durable_path="+c.DurablePath())
	cli.AssertContains(t, stdout, "project_config="+filepath.Join(c.Dir, ".tiercache.json"))
	cli.AssertNotContains(t, stdout, "global_config=")
}

func Test_Print_Config_Reads_Global_Config_From_Xdg_Config_Home(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	xdg := t.TempDir()
	c.Env["XDG_CONFIG_HOME"] = xdg

	err := os.MkdirAll(filepath.Join(xdg, "tiercache"), 0o750)
	if err != nil {
		t.Fatal(err)
	}

	err = os.WriteFile(filepath.Join(xdg, "tiercache", "config.json"), []byte(`{"log_level": "debug"}`), 0o600)
	if err != nil {
		t.Fatal(err)
	}

	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, `"log_level": "debug"`)
	cli.AssertContains(t, stdout, "global_config=")
}

func Test_Print_Config_Omits_Paths_Of_Disabled_Tiers(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteConfig(`{"tiers": ["memory"]}`)

	stdout := c.MustRun("print-config")

	cli.AssertNotContains(t, stdout, "segment_path=")
	cli.AssertNotContains(t, stdout, "durable_path=")
}
