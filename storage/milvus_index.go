package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"videoQA/core"
)

// MilvusConfig 连接参数
type MilvusConfig struct {
	Address    string
	Username   string
	Password   string
	APIKey     string // Zilliz Cloud
	Collection string
}

// MilvusIndexBuilder stores index vectors in Milvus. Every build gets its own
// index_id inside a per-dimension collection; the serialized index is a small
// JSON descriptor pointing at those rows.
type MilvusIndexBuilder struct {
	mc     client.Client
	prefix string
	dim    int

	mu     sync.Mutex
	ready  map[string]bool
	logger *log.Logger
}

type milvusDescriptor struct {
	Backend    string `json:"backend"`
	Collection string `json:"collection"`
	IndexID    string `json:"index_id"`
	Count      int    `json:"count"`
	Dim        int    `json:"dim"`
}

// NewMilvusIndexBuilder connects to Milvus. dim is used for empty vector sets.
func NewMilvusIndexBuilder(ctx context.Context, cfg MilvusConfig, dim int) (*MilvusIndexBuilder, error) {
	addr := cfg.Address
	if addr == "" {
		addr = "localhost:19530"
	}
	mc, err := client.NewClient(ctx, client.Config{Address: addr, Username: cfg.Username, Password: cfg.Password, APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}
	prefix := cfg.Collection
	if prefix == "" {
		prefix = "video_qa"
	}
	return &MilvusIndexBuilder{
		mc:     mc,
		prefix: prefix,
		dim:    dim,
		ready:  map[string]bool{},
		logger: log.New(os.Stdout, "[MILVUS] ", log.LstdFlags),
	}, nil
}

func (m *MilvusIndexBuilder) Close() error { return m.mc.Close() }

func (m *MilvusIndexBuilder) collection(dim int) string {
	return fmt.Sprintf("%s_d%d", m.prefix, dim)
}

func (m *MilvusIndexBuilder) ensureCollection(ctx context.Context, coll string, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready[coll] {
		return nil
	}
	has, err := m.mc.HasCollection(ctx, coll)
	if err != nil {
		return err
	}
	if !has {
		schema := entity.NewSchema().WithName(coll).WithDescription("video question answering vectors")
		schema.WithField(entity.NewField().WithName("id").WithIsAutoID(true).WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("index_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(256))
		schema.WithField(entity.NewField().WithName("ordinal").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim)))
		if err := m.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
		idx, err := entity.NewIndexFlat(entity.L2)
		if err != nil {
			return fmt.Errorf("new flat index: %w", err)
		}
		if err := m.mc.CreateIndex(ctx, coll, "vector", idx, false, client.WithIndexName("idx_vector")); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	if err := m.mc.LoadCollection(ctx, coll, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	m.ready[coll] = true
	return nil
}

// Build inserts vectors under a fresh index_id and flushes them.
func (m *MilvusIndexBuilder) Build(ctx context.Context, name string, vectors [][]float32) (core.VectorIndex, error) {
	dim := m.dim
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	idx := &MilvusIndex{
		mc: m.mc,
		desc: milvusDescriptor{
			Backend:    "milvus",
			Collection: m.collection(dim),
			IndexID:    name + "/" + uuid.NewString(),
			Count:      len(vectors),
			Dim:        dim,
		},
	}
	if len(vectors) == 0 {
		return idx, nil
	}
	if err := m.ensureCollection(ctx, idx.desc.Collection, dim); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	ids := make([]string, len(vectors))
	ordinals := make([]int64, len(vectors))
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, expected %d", i, len(v), dim)
		}
		ids[i] = idx.desc.IndexID
		ordinals[i] = int64(i)
	}
	_, err := m.mc.Insert(ctx, idx.desc.Collection, "",
		entity.NewColumnVarChar("index_id", ids),
		entity.NewColumnInt64("ordinal", ordinals),
		entity.NewColumnFloatVector("vector", dim, vectors),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: milvus insert: %v", core.ErrStoreUnavailable, err)
	}
	if err := m.mc.Flush(ctx, idx.desc.Collection, false); err != nil {
		return nil, fmt.Errorf("%w: milvus flush: %v", core.ErrStoreUnavailable, err)
	}
	m.logger.Printf("built index %s with %d vectors", idx.desc.IndexID, len(vectors))
	return idx, nil
}

// Decode parses a descriptor written by MilvusIndex.MarshalBinary.
func (m *MilvusIndexBuilder) Decode(ctx context.Context, data []byte) (core.VectorIndex, error) {
	var desc milvusDescriptor
	if err := json.Unmarshal(data, &desc); err != nil || desc.Backend != "milvus" || desc.IndexID == "" {
		return nil, fmt.Errorf("%w: bad milvus descriptor", core.ErrBundleCorrupt)
	}
	if desc.Count > 0 {
		if err := m.ensureCollection(ctx, desc.Collection, desc.Dim); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
		}
	}
	return &MilvusIndex{mc: m.mc, desc: desc}, nil
}

// MilvusIndex searches the rows of one build.
type MilvusIndex struct {
	mc   client.Client
	desc milvusDescriptor
}

func (x *MilvusIndex) Len() int { return x.desc.Count }
func (x *MilvusIndex) Dim() int { return x.desc.Dim }

func (x *MilvusIndex) filter() string {
	return fmt.Sprintf("index_id == \"%s\"", strings.ReplaceAll(x.desc.IndexID, "\"", "\\\""))
}

func (x *MilvusIndex) Search(ctx context.Context, query []float32, k int) ([]core.SearchHit, error) {
	if x.desc.Count == 0 || k <= 0 {
		return nil, nil
	}
	sp, err := entity.NewIndexFlatSearchParam()
	if err != nil {
		return nil, err
	}
	res, err := x.mc.Search(ctx, x.desc.Collection, []string{}, x.filter(), []string{"ordinal"},
		[]entity.Vector{entity.FloatVector(query)}, "vector", entity.L2, k, sp,
		client.WithSearchQueryConsistencyLevel(entity.ClStrong))
	if err != nil {
		return nil, fmt.Errorf("%w: milvus search: %v", core.ErrStoreUnavailable, err)
	}
	var hits []core.SearchHit
	for _, r := range res {
		col, ok := r.Fields.GetColumn("ordinal").(*entity.ColumnInt64)
		if !ok {
			return nil, fmt.Errorf("milvus search: ordinal column missing")
		}
		data := col.Data()
		for i := 0; i < r.ResultCount && i < len(data); i++ {
			hits = append(hits, core.SearchHit{Ordinal: int(data[i]), Distance: r.Scores[i]})
		}
	}
	return hits, nil
}

func (x *MilvusIndex) Vectors(ctx context.Context) ([][]float32, error) {
	if x.desc.Count == 0 {
		return nil, nil
	}
	rs, err := x.mc.Query(ctx, x.desc.Collection, []string{}, x.filter(), []string{"ordinal", "vector"},
		client.WithSearchQueryConsistencyLevel(entity.ClStrong))
	if err != nil {
		return nil, fmt.Errorf("%w: milvus query: %v", core.ErrStoreUnavailable, err)
	}
	ordCol, ok1 := rs.GetColumn("ordinal").(*entity.ColumnInt64)
	vecCol, ok2 := rs.GetColumn("vector").(*entity.ColumnFloatVector)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("milvus query: unexpected columns")
	}
	ords, vecs := ordCol.Data(), vecCol.Data()
	order := make([]int, len(ords))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return ords[order[a]] < ords[order[b]] })
	out := make([][]float32, len(order))
	for i, j := range order {
		out[i] = vecs[j]
	}
	return out, nil
}

func (x *MilvusIndex) MarshalBinary() ([]byte, error) {
	return json.Marshal(x.desc)
}
