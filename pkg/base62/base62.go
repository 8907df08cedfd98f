// Package base62 將整數 ID 轉換為短碼，並可逆地解回
//
// 字符集順序：0-9, A-Z, a-z（共 62 個）
// 同一個數字只會有一種編碼（不帶前導零），所以 Encode/Decode 是一對雙向映射。
package base62

import (
	"errors"
	"math"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const base = uint64(len(alphabet))

// maxLen uint64 最大值編碼後的長度（"LygHa16AHYF"）
const maxLen = 11

var (
	// ErrInvalidCharacter 輸入包含字符集以外的字元
	ErrInvalidCharacter = errors.New("base62: invalid character")

	// ErrOverflow 解碼結果超過 uint64
	ErrOverflow = errors.New("base62: value overflows uint64")

	// ErrEmpty 空字串無法解碼
	ErrEmpty = errors.New("base62: empty input")
)

// decodeTable 字元 → 數值，0xFF 表示非法字元
var decodeTable [256]byte

func init() {
	for i := range decodeTable {
		decodeTable[i] = 0xFF
	}
	for i := 0; i < len(alphabet); i++ {
		decodeTable[alphabet[i]] = byte(i)
	}
}

// Encode 將數字編碼為 Base62 字串
//
//	Encode(0)         → "0"
//	Encode(62)        → "10"
//	Encode(123456789) → "8M0kX"
func Encode(num uint64) string {
	if num == 0 {
		return alphabet[:1]
	}

	// 從尾端往前填，省去反轉
	var buf [maxLen]byte
	i := maxLen
	for num > 0 {
		i--
		buf[i] = alphabet[num%base]
		num /= base
	}
	return string(buf[i:])
}

// Decode 將 Base62 字串解碼為數字
//
// 錯誤：
//   - ErrEmpty：空字串
//   - ErrInvalidCharacter：出現字符集以外的字元
//   - ErrOverflow：超過 uint64 範圍
func Decode(s string) (uint64, error) {
	if s == "" {
		return 0, ErrEmpty
	}

	var n uint64
	for i := 0; i < len(s); i++ {
		v := decodeTable[s[i]]
		if v == 0xFF {
			return 0, ErrInvalidCharacter
		}

		// Horner：n = n*62 + v，先檢查是否溢出
		if n > (math.MaxUint64-uint64(v))/base {
			return 0, ErrOverflow
		}
		n = n*base + uint64(v)
	}
	return n, nil
}

// IsValid 檢查字串是否只包含 Base62 字元（空字串視為無效）
func IsValid(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if decodeTable[s[i]] == 0xFF {
			return false
		}
	}
	return true
}

// Length 編碼 num 所需的字元數
func Length(num uint64) int {
	n := 1
	for num >= base {
		num /= base
		n++
	}
	return n
}
