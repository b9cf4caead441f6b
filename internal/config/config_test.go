package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequiresKernel(t *testing.T) {
	_, err := Parse([]string{"--memory", "256"})
	require.Error(t, err)
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]string{"--kernel", "/tmp/vmlinuz"})
	require.NoError(t, err)
	require.Equal(t, defaultMemoryMB, cfg.MemoryMB)
	require.Equal(t, defaultCPUs, cfg.CPUs)
	require.True(t, cfg.Interactive)
}

func TestParseValidatesBounds(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"memory too small", []string{"--kernel", "k", "--memory", "8"}},
		{"zero cpus", []string{"--kernel", "k", "--cpus", "0"}},
		{"too many cpus", []string{"--kernel", "k", "--cpus", "129"}},
		{"bad net mode", []string{"--kernel", "k", "--net", "bogus"}},
		{"bad interactive", []string{"--kernel", "k", "--interactive", "maybe"}},
		{"malformed forward", []string{"--kernel", "k", "--forward", "80"}},
		{"malformed share", []string{"--kernel", "k", "--share", "tag-only"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.args)
			require.Error(t, err)
		})
	}
}

func TestParseCollectsRepeatableFlags(t *testing.T) {
	cfg, err := Parse([]string{
		"--kernel", "/tmp/vmlinuz",
		"--forward", "8080:80",
		"--forward", "2222:22",
		"--share", "work:/srv/work",
		"--share", "ro-share:/srv/ro:ro",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"8080:80", "2222:22"}, cfg.Forwards)
	require.Equal(t, []string{"work:/srv/work", "ro-share:/srv/ro:ro"}, cfg.Shares)
}

func TestParseForward(t *testing.T) {
	host, guest, err := ParseForward("8080:80")
	require.NoError(t, err)
	require.Equal(t, 8080, host)
	require.Equal(t, 80, guest)

	_, _, err = ParseForward("not-a-port:80")
	require.Error(t, err)
}

func TestParseShare(t *testing.T) {
	tag, path, ro, err := ParseShare("work:/srv/work:ro")
	require.NoError(t, err)
	require.Equal(t, "work", tag)
	require.Equal(t, "/srv/work", path)
	require.True(t, ro)

	_, _, ro, err = ParseShare("work:/srv/work")
	require.NoError(t, err)
	require.False(t, ro)
}

func TestParseTap(t *testing.T) {
	name, ok := ParseTap("tap:tenbox0")
	require.True(t, ok)
	require.Equal(t, "tenbox0", name)

	_, ok = ParseTap("nat")
	require.False(t, ok)
}

func TestParseVersionAndHelpShortCircuitValidation(t *testing.T) {
	cfg, err := Parse([]string{"--version"})
	require.NoError(t, err)
	require.True(t, cfg.Version)

	cfg, err = Parse([]string{"--help"})
	require.NoError(t, err)
	require.True(t, cfg.Help)
}
