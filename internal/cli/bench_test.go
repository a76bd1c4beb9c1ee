package cli_test

import (
	"testing"

	"github.com/calvinalkan/tiercache/internal/cli"
)

func Test_Bench_Reports_Throughput_And_Stats(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("bench", "--workers", "3", "--ops", "40", "--size", "64", "--keys", "8")

	cli.AssertContains(t, stdout, "ops=120 workers=3")
	cli.AssertContains(t, stdout, "ops_per_sec=")
	cli.AssertContains(t, stdout, "allocation_failures=0")
	cli.AssertContains(t, stdout, "memory")
	cli.AssertContains(t, stdout, "shared")
	cli.AssertContains(t, stdout, "durable")
}

func Test_Bench_Counts_Allocation_Failures_When_Values_Do_Not_Fit(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteConfig(`{"tiers": ["segment"], "segment_capacity": 16384, "header_reserve": 4096}`)

	stdout := c.MustRun("bench", "--workers", "1", "--ops", "200", "--size", "20000", "--keys", "2")

	cli.AssertContains(t, stdout, "ops=200 workers=1")
	cli.AssertNotContains(t, stdout, "allocation_failures=0")
}

func Test_Bench_Rejects_Non_Positive_Counts(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("bench", "--workers", "0")

	cli.AssertContains(t, stderr, "must be > 0")
}

func Test_Bench_Help_Lists_Every_Flag_In_Usage_Line(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("bench", "--help")

	cli.AssertContains(t, stdout, "Usage: tiercache bench [--workers N] [--ops N] [--size N] [--keys N] [--seed N]")
}
