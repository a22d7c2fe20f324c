package pairing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratedCodesAreValid(t *testing.T) {
	for i := 0; i < 500; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		for _, r := range code {
			require.True(t, strings.ContainsRune(CodeAlphabet, r), "unexpected rune %q in %q", r, code)
		}
		require.True(t, ValidateCode(code))
	}
}

func TestValidateCodeRejectsBadShapes(t *testing.T) {
	bad := []string{
		"",
		"ABC",
		"Z4A09VF",
		"Z4A09VF33",
		"z4a09vf3",
		"Z4A09VF-",
		"Z4A0 VF3",
		"ÄBCDEFGH",
	}
	for _, code := range bad {
		require.False(t, ValidateCode(code), "expected %q to be invalid", code)
	}
	require.True(t, ValidateCode("Z4A09VF3"))
	require.True(t, ValidateCode("AAAAAAAA"))
}

func TestNormalizeEnteredCodeKeepsCase(t *testing.T) {
	require.Equal(t, "Z4A09VF3", NormalizeEnteredCode("  Z4A0 9VF3 "))
	require.Equal(t, "z4a09vf3", NormalizeEnteredCode("z4a09vf3"))
}
