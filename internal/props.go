package internal

import (
	"github.com/samber/lo"
)

// Props 屬性包
//
// 客戶端送來的任意 key/value 資料，值保留 JSON 解碼後的型別
// （string、float64、bool、nil、[]any、map[string]any）。
type Props map[string]any

// Merge 由左到右合併多個屬性包，後者覆蓋前者同名的 key
//
// Merge() 回傳空表；Merge(a) 回傳 a 的淺拷貝。nil 參數視為空表。
func Merge(bags ...Props) Props {
	maps := make([]map[string]any, 0, len(bags))
	for _, b := range bags {
		if b != nil {
			maps = append(maps, b)
		}
	}
	return Props(lo.Assign(maps...))
}

// Clone 深拷貝屬性包（巢狀 map 與 slice 皆複製）
func (p Props) Clone() Props {
	if p == nil {
		return nil
	}
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(Props(val).Clone())
	case Props:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
