package profile

import (
	"time"

	"github.com/blang/semver/v4"

	"github.com/lk2023060901/garden-profile-go/internal/json"
	"github.com/lk2023060901/garden-profile-go/pkg/util/merr"
)

// CurrentSchemaVersion 为当前档案结构的版本号。
const CurrentSchemaVersion = "1.2.0"

// supportedSchemaRange 为可以在加载时兼容的档案版本范围。
// 更高主版本的档案由更新的节点产生，降级读取会丢字段，直接拒绝加载。
var supportedSchemaRange = semver.MustParseRange("<2.0.0")

// Record 为玩家档案的权威记录。
type Record struct {
	Experience    int64     `json:"experience"`
	Level         int64     `json:"level"`
	Coins         int64     `json:"coins"`
	SchemaVersion string    `json:"schemaVersion"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NewRecord 返回一个新建档案：1 级、零经验、零金币。
func NewRecord() *Record {
	return &Record{
		Level:         1,
		SchemaVersion: CurrentSchemaVersion,
		UpdatedAt:     time.Now(),
	}
}

// UnmarshalRecord 从后端存储的字节序列解码档案。
func UnmarshalRecord(data []byte) (*Record, error) {
	record := &Record{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Marshal 将档案编码为后端存储的字节序列。
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Clone 返回档案的拷贝。
func (r *Record) Clone() *Record {
	clone := *r
	return &clone
}

// Reconcile 将加载出来的档案规整为当前模板下的合法形态。
//
// 行为：
//   - 零值 Level 补为 1，负经验、负金币钳为 0（旧版本写入的残缺数据）；
//   - 空版本号视为最早的 1.0.0；
//   - 版本号非法或超出兼容范围时返回 merr.ErrProfileSchemaIncompatible，
//     调用方应将其视为一次加载失败；
//   - 通过校验后版本号提升为 CurrentSchemaVersion。
func (r *Record) Reconcile() error {
	if r.Level < 1 {
		r.Level = 1
	}
	if r.Experience < 0 {
		r.Experience = 0
	}
	if r.Coins < 0 {
		r.Coins = 0
	}

	if r.SchemaVersion == "" {
		r.SchemaVersion = "1.0.0"
	}
	version, err := semver.Parse(r.SchemaVersion)
	if err != nil {
		return merr.WrapErrProfileSchemaIncompatible(r.SchemaVersion, "<2.0.0", err.Error())
	}
	if !supportedSchemaRange(version) {
		return merr.WrapErrProfileSchemaIncompatible(r.SchemaVersion, "<2.0.0")
	}

	r.SchemaVersion = CurrentSchemaVersion
	return nil
}
