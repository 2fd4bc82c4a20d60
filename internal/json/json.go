package json

import (
	"io"

	"github.com/bytedance/sonic"
)

// 本包基于 bytedance/sonic 提供统一的 JSON 编解码入口。
//
// 说明：
//   - 使用 ConfigStd 保证与标准库 encoding/json 行为兼容；
//   - 项目内所有 JSON 编解码（存储记录、副本增量等）均应经由本包，
//     避免各处直接依赖具体实现。
var json = sonic.ConfigStd

var (
	// Marshal 将对象序列化为 JSON 字节序列。
	Marshal = json.Marshal
	// Unmarshal 将 JSON 字节序列反序列化到对象。
	Unmarshal = json.Unmarshal
	// MarshalIndent 序列化并按给定前缀与缩进格式化输出。
	MarshalIndent = json.MarshalIndent
)

// NewEncoder 创建一个向 w 写出的 JSON 编码器。
func NewEncoder(w io.Writer) sonic.Encoder {
	return json.NewEncoder(w)
}

// NewDecoder 创建一个从 r 读取的 JSON 解码器。
func NewDecoder(r io.Reader) sonic.Decoder {
	return json.NewDecoder(r)
}
