package proc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMerge(t *testing.T) {
	e := Envs{`X`: `1`, `Y`: `a`}
	f := Envs{`X`: `2`}
	g := Merge(e, f)
	assert.Equal(t, `2`, g[`X`])
	assert.Equal(t, `a`, g[`Y`])
	assert.Equal(t, `1`, e[`X`], "merge must not mutate its inputs")
}

func Test_updatedEnv(t *testing.T) {
	t.Setenv(`LOOM_TEST_KEEP`, `kept`)
	t.Setenv(`LOOM_TEST_OVERRIDE`, `old`)
	envs := updatedEnv(Envs{`LOOM_TEST_OVERRIDE`: `new`})
	m := make(map[string]string)
	for _, kv := range envs {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	assert.Equal(t, `kept`, m[`LOOM_TEST_KEEP`])
	assert.Equal(t, `new`, m[`LOOM_TEST_OVERRIDE`])
}

func TestScript(t *testing.T) {
	p := Proc{
		Prog: `loom`,
		Args: []string{`train`, `-c`, `run.yaml`},
		Envs: Envs{`B`: `2`, `A`: `1`},
	}
	s := p.Script()
	lines := strings.Split(strings.TrimSpace(s), "\n")
	assert.Equal(t, `env \`, lines[0])
	assert.Contains(t, lines[1], `A="1"`, "env keys are emitted in sorted order")
	assert.Contains(t, lines[2], `B="2"`)
	assert.Contains(t, lines[3], `loom train -c run.yaml`)
}
