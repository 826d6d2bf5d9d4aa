package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlweave/loom/plan"
)

func Test_flagParse(t *testing.T) {
	var f FlagSet
	err := f.Parse([]string{
		`loom-run`,
		`-np`, `4`,
		`-H`, `127.0.0.1:4`,
		`-port-range`, `41000-41015`,
		`loom`, `train`, `-c`, `run.yaml`,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, f.ClusterSize)
	assert.Equal(t, plan.PortRange{Begin: 41000, End: 41015}, f.PortRange)
	require.Len(t, f.HostList, 1)
	assert.Equal(t, 4, f.HostList[0].Slots)
	assert.Equal(t, `loom`, f.Prog)
	assert.Equal(t, []string{`train`, `-c`, `run.yaml`}, f.Args)
}

func Test_flagDefaults(t *testing.T) {
	var f FlagSet
	err := f.Parse([]string{`loom-run`, `loom`, `train`})
	require.NoError(t, err)
	assert.Equal(t, 1, f.ClusterSize)
	assert.Equal(t, plan.DefaultPortRange, f.PortRange)
	assert.Equal(t, plan.DefaultHostList, f.HostList)
	assert.True(t, f.VerboseLog)
}

func Test_flagRejectsMissingProg(t *testing.T) {
	var f FlagSet
	err := f.Parse([]string{`loom-run`, `-np`, `2`})
	assert.ErrorIs(t, err, errMissingProgramName)
}
