// Package snowflake 實現 Snowflake 分布式 ID 生成器
//
// ID 結構（64 bit）：
//
//	┌─┬────────────────────────┬──────────┬──────────┬─────────────┐
//	│0│ 時間戳 41 bit（毫秒）   │ 站點 5bit │ 節點 5bit │ 序列號 12bit │
//	└─┴────────────────────────┴──────────┴──────────┴─────────────┘
//
// 特性：
//   - 同一個 Generator 產生的 ID 嚴格遞增（按 時間戳, 序列號 排序）
//   - 不同實例靠 (datacenter, worker) 區分，必須由部署方保證唯一
//   - 每個實例每毫秒最多 4096 個 ID，超過就等下一毫秒
//
// 時鐘回撥：
//   - 小幅回撥（預設 ≤ 5ms）：同步等待時鐘追上
//   - 大幅回撥：返回 ErrClockRegression，由調用方處理（通常是告警 + 停止服務）
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// Epoch 2024-01-01 00:00:00 UTC（毫秒）
	Epoch int64 = 1704067200000

	timestampBits  = 41
	datacenterBits = 5
	workerBits     = 5
	sequenceBits   = 12

	maxDatacenterID = (1 << datacenterBits) - 1 // 31
	maxWorkerID     = (1 << workerBits) - 1     // 31
	maxInstanceID   = (1 << (datacenterBits + workerBits)) - 1
	maxSequence     = (1 << sequenceBits) - 1 // 4095

	workerShift     = sequenceBits
	datacenterShift = sequenceBits + workerBits
	timestampShift  = sequenceBits + workerBits + datacenterBits

	// DefaultMaxBackward 可容忍（等待）的最大時鐘回撥
	DefaultMaxBackward = 5 * time.Millisecond
)

var (
	// ErrInvalidInstance datacenter / worker 超出 5 bit 範圍
	ErrInvalidInstance = errors.New("snowflake: instance id out of range")

	// ErrClockRegression 時鐘回撥超過可容忍範圍，不可重試
	ErrClockRegression = errors.New("snowflake: clock moved backwards")
)

// Generator Snowflake ID 生成器
//
// 所有狀態都在 mu 保護下，多個 goroutine 可以共用同一個實例。
type Generator struct {
	mu            sync.Mutex
	datacenterID  int64
	workerID      int64
	sequence      int64
	lastTimestamp int64

	maxBackward time.Duration
	now         func() int64 // 毫秒時間戳
	sleep       func(time.Duration)
}

// Option 生成器選項
type Option func(*Generator)

// WithMaxBackward 設置可等待的最大時鐘回撥
func WithMaxBackward(d time.Duration) Option {
	return func(g *Generator) { g.maxBackward = d }
}

// WithClock 替換時鐘（測試用）
func WithClock(now func() int64, sleep func(time.Duration)) Option {
	return func(g *Generator) {
		g.now = now
		g.sleep = sleep
	}
}

// NewGenerator 創建生成器
//
// datacenterID、workerID 各佔 5 bit（0-31），可以交給不同的運維方分配。
func NewGenerator(datacenterID, workerID int64, opts ...Option) (*Generator, error) {
	if datacenterID < 0 || datacenterID > maxDatacenterID {
		return nil, fmt.Errorf("%w: datacenter %d not in [0,%d]", ErrInvalidInstance, datacenterID, maxDatacenterID)
	}
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("%w: worker %d not in [0,%d]", ErrInvalidInstance, workerID, maxWorkerID)
	}

	g := &Generator{
		datacenterID: datacenterID,
		workerID:     workerID,
		maxBackward:  DefaultMaxBackward,
		now:          func() int64 { return time.Now().UnixMilli() },
		sleep:        time.Sleep,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// NewGeneratorFromInstance 用 10 bit 的實例 ID（0-1023）創建生成器
//
// 高 5 bit 為 datacenter，低 5 bit 為 worker。
func NewGeneratorFromInstance(instanceID int64, opts ...Option) (*Generator, error) {
	if instanceID < 0 || instanceID > maxInstanceID {
		return nil, fmt.Errorf("%w: instance %d not in [0,%d]", ErrInvalidInstance, instanceID, maxInstanceID)
	}
	return NewGenerator(instanceID>>workerBits, instanceID&maxWorkerID, opts...)
}

// NextID 生成下一個 ID
//
// 只有兩種情況會阻塞：小幅時鐘回撥、同一毫秒序列號用盡，兩者都有上限。
func (g *Generator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := g.now()

	if timestamp < g.lastTimestamp {
		offset := time.Duration(g.lastTimestamp-timestamp) * time.Millisecond
		if offset > g.maxBackward {
			return 0, fmt.Errorf("%w: by %s (last=%d, now=%d)",
				ErrClockRegression, offset, g.lastTimestamp, timestamp)
		}

		// 等兩倍偏移量再看一次，仍然落後就放棄
		g.sleep(offset * 2)
		timestamp = g.now()
		if timestamp < g.lastTimestamp {
			return 0, fmt.Errorf("%w: clock did not recover after %s (last=%d, now=%d)",
				ErrClockRegression, offset*2, g.lastTimestamp, timestamp)
		}
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 本毫秒的 4096 個序列號用完了
			timestamp = g.waitNextMillisecond(g.lastTimestamp)
		}
	} else {
		g.sequence = 0
	}

	g.lastTimestamp = timestamp

	id := ((timestamp - Epoch) << timestampShift) |
		(g.datacenterID << datacenterShift) |
		(g.workerID << workerShift) |
		g.sequence

	return uint64(id), nil
}

// waitNextMillisecond 自旋直到時鐘進入下一毫秒
func (g *Generator) waitNextMillisecond(last int64) int64 {
	timestamp := g.now()
	for timestamp <= last {
		g.sleep(10 * time.Microsecond)
		timestamp = g.now()
	}
	return timestamp
}

// DatacenterID 站點 ID
func (g *Generator) DatacenterID() int64 { return g.datacenterID }

// WorkerID 節點 ID
func (g *Generator) WorkerID() int64 { return g.workerID }

// Info ID 拆解結果
type Info struct {
	ID           uint64    `json:"id"`
	Time         time.Time `json:"time"`
	DatacenterID int64     `json:"datacenter_id"`
	WorkerID     int64     `json:"worker_id"`
	Sequence     int64     `json:"sequence"`
}

// Parse 拆解 ID
func Parse(id uint64) Info {
	v := int64(id)
	return Info{
		ID:           id,
		Time:         time.UnixMilli((v >> timestampShift) + Epoch).UTC(),
		DatacenterID: (v >> datacenterShift) & maxDatacenterID,
		WorkerID:     (v >> workerShift) & maxWorkerID,
		Sequence:     v & maxSequence,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("ID=%d, Time=%s, Datacenter=%d, Worker=%d, Seq=%d",
		i.ID, i.Time.Format(time.RFC3339Nano), i.DatacenterID, i.WorkerID, i.Sequence)
}

// MaxIDsPerMillisecond 單實例每毫秒上限
func MaxIDsPerMillisecond() int { return maxSequence + 1 }

// MaxInstances 可區分的實例數
func MaxInstances() int { return maxInstanceID + 1 }

// LifeTime 41 bit 時間戳可用年數（約 69 年）
func LifeTime() int {
	return int((int64(1)<<timestampBits - 1) / 1000 / 60 / 60 / 24 / 365)
}
