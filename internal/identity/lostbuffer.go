package identity

import (
	"time"

	"linewatch/internal/geometry"
)

// LostEntry 丢失缓冲条目：绑定随轨迹消亡后在此保留一段时间，
// 等待新轨迹通过外观重识别接回
type LostEntry struct {
	WorkerID   string
	CameraID   string
	ZoneID     string
	Embedding  []float32
	Similarity float64 // 重识别命中时的余弦相似度
	RemovedAt  time.Time
	ExpiresAt  time.Time
}

// lostBuffer 按工人维度保存丢失绑定
// 每个工人至多一条（绑定唯一性的自然推论）
// 非并发安全，由 Resolver 的互斥锁保护
type lostBuffer struct {
	entries map[string]*LostEntry
}

func newLostBuffer() *lostBuffer {
	return &lostBuffer{entries: make(map[string]*LostEntry)}
}

// put 存入丢失绑定，同工人旧条目被覆盖
func (b *lostBuffer) put(entry LostEntry) {
	b.entries[entry.WorkerID] = &entry
}

// claim 取出并移除指定工人的未过期条目
func (b *lostBuffer) claim(workerID string, now time.Time) *LostEntry {
	entry, ok := b.entries[workerID]
	if !ok {
		return nil
	}
	delete(b.entries, workerID)
	if now.After(entry.ExpiresAt) {
		return nil
	}
	return entry
}

// bestMatch 在未过期条目中找与给定外观向量余弦相似度最高且达到阈值的条目
// 相似度相同时取 worker_id 字典序较小者，保证结果确定
// 只查询不移除，命中后由调用方 claim
func (b *lostBuffer) bestMatch(embedding []float32, threshold float64, now time.Time) *LostEntry {
	if len(embedding) == 0 {
		return nil
	}
	var best *LostEntry
	var bestSim float64
	for _, entry := range b.entries {
		if now.After(entry.ExpiresAt) {
			continue
		}
		sim := geometry.CosineSimilarity(embedding, entry.Embedding)
		if sim < threshold {
			continue
		}
		if best == nil || sim > bestSim || (sim == bestSim && entry.WorkerID < best.WorkerID) {
			copied := *entry
			copied.Similarity = sim
			best = &copied
			bestSim = sim
		}
	}
	return best
}

// sweep 移除并返回所有已过期条目
func (b *lostBuffer) sweep(now time.Time) []LostEntry {
	var expired []LostEntry
	for workerID, entry := range b.entries {
		if now.After(entry.ExpiresAt) {
			expired = append(expired, *entry)
			delete(b.entries, workerID)
		}
	}
	return expired
}

func (b *lostBuffer) len() int {
	return len(b.entries)
}
