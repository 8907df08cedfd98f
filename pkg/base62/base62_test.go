package base62

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		input    uint64
		expected string
	}{
		{"zero", 0, "0"},
		{"one", 1, "1"},
		{"ten", 10, "A"},
		{"first lowercase", 36, "a"},
		{"base minus one", 61, "z"},
		{"base", 62, "10"},
		{"large number", 123456789, "8M0kX"},
		{"six chars", 56800235583, "zzzzzz"},
		{"seven chars", 3521614606207, "zzzzzzz"},
		{"max uint64", math.MaxUint64, "LygHa16AHYF"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Encode(tt.input))
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected uint64
		err      error
	}{
		{"zero", "0", 0, nil},
		{"one", "1", 1, nil},
		{"base", "10", 62, nil},
		{"large number", "8M0kX", 123456789, nil},
		{"six chars", "zzzzzz", 56800235583, nil},
		{"max uint64", "LygHa16AHYF", math.MaxUint64, nil},
		{"empty", "", 0, ErrEmpty},
		{"bang", "8M0kX!", 0, ErrInvalidCharacter},
		{"space", "8M 0kX", 0, ErrInvalidCharacter},
		{"dash", "abc-def", 0, ErrInvalidCharacter},
		{"non ascii", "ab中", 0, ErrInvalidCharacter},
		{"max plus one", "LygHa16AHYG", 0, ErrOverflow},
		{"too long", "zzzzzzzzzzzz", 0, ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.input)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

// TestRoundTrip decode(encode(n)) == n（隨機抽樣 + 邊界值）
func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	samples := []uint64{0, 1, 61, 62, 3843, 3844, 1 << 32, 1 << 63, math.MaxUint64 - 1, math.MaxUint64}
	for i := 0; i < 100000; i++ {
		samples = append(samples, r.Uint64())
	}

	for _, n := range samples {
		got, err := Decode(Encode(n))
		require.NoError(t, err)
		require.Equal(t, n, got, "round trip of %d", n)
	}
}

// TestEncodeInjective 相鄰數字不會產生相同短碼
func TestEncodeInjective(t *testing.T) {
	seen := make(map[string]uint64, 200000)
	for n := uint64(0); n < 200000; n++ {
		code := Encode(n)
		prev, dup := seen[code]
		require.False(t, dup, "%d and %d both encode to %q", prev, n, code)
		seen[code] = n
	}
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid("abc123XYZ"))
	assert.False(t, IsValid(""))
	assert.False(t, IsValid("abc_123"))
	assert.False(t, IsValid("../admin"))
}

func TestLength(t *testing.T) {
	for _, n := range []uint64{0, 1, 61, 62, 3843, 3844, 123456789, math.MaxUint64} {
		assert.Equal(t, len(Encode(n)), Length(n), "n=%d", n)
	}
}

func BenchmarkEncode(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = Encode(uint64(i) * 123456789)
	}
}

func BenchmarkDecode(b *testing.B) {
	s := Encode(math.MaxUint64 / 3)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(s)
	}
}
