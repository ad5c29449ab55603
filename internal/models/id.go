package models

import (
	"fmt"
	"strconv"
	"strings"
)

// ID 为跨线格式的 64 位ID/游标。
// 序列化固定为十进制字符串；反序列化同时接受字符串与数字（兼容旧客户端）。
type ID uint64

func (v ID) Uint64() uint64 { return uint64(v) }

func (v ID) String() string { return strconv.FormatUint(uint64(v), 10) }

func (v ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + strconv.FormatUint(uint64(v), 10) + `"`), nil
}

func (v *ID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", s, err)
	}
	*v = ID(n)
	return nil
}

// IDList 将 []ID 转为 []uint64，便于传给存储层。
type IDList []ID

func (l IDList) Uint64s() []uint64 {
	out := make([]uint64, 0, len(l))
	for _, v := range l {
		out = append(out, uint64(v))
	}
	return out
}
