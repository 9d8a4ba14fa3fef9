package env_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codebroker/internal/utils/env"
)

func TestParseSpecs(t *testing.T) {
	t.Setenv("FROM_HOST", "host-value")

	tests := map[string]struct {
		specs   []string
		expEnv  map[string]string
		expList []string
		expErr  bool
	}{
		"KEY=VALUE should parse.": {
			specs:   []string{"FOO=bar"},
			expEnv:  map[string]string{"FOO": "bar"},
			expList: []string{"FOO=bar"},
		},

		"KEY should inherit from host.": {
			specs:   []string{"FROM_HOST", "A=1"},
			expEnv:  map[string]string{"FROM_HOST": "host-value", "A": "1"},
			expList: []string{"A=1", "FROM_HOST=host-value"},
		},

		"Later entries should override earlier ones.": {
			specs:   []string{"FOO=one", "FOO=two"},
			expEnv:  map[string]string{"FOO": "two"},
			expList: []string{"FOO=two"},
		},

		"Values with equal signs should be kept.": {
			specs:   []string{"DSN=a=b"},
			expEnv:  map[string]string{"DSN": "a=b"},
			expList: []string{"DSN=a=b"},
		},

		"Missing inherited var should fail.": {
			specs:  []string{"DOES_NOT_EXIST"},
			expErr: true,
		},

		"Invalid key should fail.": {
			specs:  []string{"1INVALID=value"},
			expErr: true,
		},

		"Empty spec should fail.": {
			specs:  []string{""},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := env.ParseSpecs(test.specs)

			if test.expErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.expEnv, got)
			assert.Equal(t, test.expList, env.List(got))
		})
	}
}
