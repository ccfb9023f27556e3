// Package checkpoint persists run progress so an interrupted run can resume
// exactly where it stopped: the crawl state, the master index, per-kind link
// files captured during list creation and the fixed-size batch files.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// ListKind identifies one of the connection lists a run walks.
type ListKind string

const (
	// KindAllies is the list of accepted connections.
	KindAllies ListKind = "allies"
	// KindIncoming is the list of invitations received.
	KindIncoming ListKind = "incoming"
	// KindOutgoing is the list of invitations sent.
	KindOutgoing ListKind = "outgoing"
)

// Kinds returns every list kind in processing order.
func Kinds() []ListKind {
	return []ListKind{KindAllies, KindIncoming, KindOutgoing}
}

// Valid reports whether k is a known kind.
func (k ListKind) Valid() bool {
	return slices.Contains(Kinds(), k)
}

// IsInvitation reports whether records of this kind are pending invitations.
func (k ListKind) IsInvitation() bool {
	return k == KindIncoming || k == KindOutgoing
}

// Phase names a state of the run state machine.
type Phase string

// Run phases in the order a healthy run visits them.
const (
	PhaseInit            Phase = "INIT"
	PhaseLogin           Phase = "LOGIN"
	PhaseListCreation    Phase = "LIST_CREATION"
	PhaseBatchProcessing Phase = "BATCH_PROCESSING"
	PhaseItemProcessing  Phase = "ITEM_PROCESSING"
	PhaseComplete        Phase = "COMPLETE"
	PhaseHealing         Phase = "HEALING"
)

// ConnectionRecord is one profile discovered on a connection list. On disk it
// is either a bare profile id or an object carrying status and source URL.
type ConnectionRecord struct {
	ProfileID   string `json:"profileId"`
	Status      string `json:"status,omitempty"`
	OriginalURL string `json:"originalUrl,omitempty"`
}

type connectionRecordJSON ConnectionRecord

// MarshalJSON writes plain records as a string.
func (r ConnectionRecord) MarshalJSON() ([]byte, error) {
	if r.Status == "" && r.OriginalURL == "" {
		return json.Marshal(r.ProfileID)
	}
	return json.Marshal(connectionRecordJSON(r))
}

// UnmarshalJSON accepts both the string and the object form.
func (r *ConnectionRecord) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return fmt.Errorf("decode connection id: %w", err)
		}
		*r = ConnectionRecord{ProfileID: id}
		return nil
	}
	var obj connectionRecordJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode connection record: %w", err)
	}
	*r = ConnectionRecord(obj)
	return nil
}

// Totals counts records per kind.
type Totals struct {
	Allies   int `json:"allies"`
	Incoming int `json:"incoming"`
	Outgoing int `json:"outgoing"`
}

// Get returns the total recorded for kind.
func (t Totals) Get(kind ListKind) int {
	switch kind {
	case KindAllies:
		return t.Allies
	case KindIncoming:
		return t.Incoming
	case KindOutgoing:
		return t.Outgoing
	}
	return 0
}

// Set stores n as the total for kind.
func (t *Totals) Set(kind ListKind, n int) {
	switch kind {
	case KindAllies:
		t.Allies = n
	case KindIncoming:
		t.Incoming = n
	case KindOutgoing:
		t.Outgoing = n
	}
}

// Credentials identify the account a run logs in as. The secret itself is
// never written to disk; SecretEnv names the environment variable holding it.
type Credentials struct {
	Username  string `json:"username"`
	SecretEnv string `json:"secretEnv,omitempty"`
}

// ErrorRecord is the last failure observed by a run.
type ErrorRecord struct {
	Message     string            `json:"message"`
	Category    string            `json:"category"`
	Recoverable bool              `json:"recoverable"`
	Phase       Phase             `json:"phase,omitempty"`
	At          time.Time         `json:"at"`
	Context     map[string]string `json:"context,omitempty"`
}

// ListProgress snapshots a list expansion interrupted part way through.
type ListProgress struct {
	Kind             ListKind `json:"kind"`
	ExpansionAttempt int      `json:"expansionAttempt"`
	CurrentFileIndex int      `json:"currentFileIndex"`
}

// CrawlState is the durable record of one run. It doubles as the healing
// payload handed to the next worker.
type CrawlState struct {
	RequestID             string        `json:"requestId"`
	RecursionCount        int           `json:"recursionCount"`
	Phase                 Phase         `json:"phase,omitempty"`
	HealPhase             Phase         `json:"healPhase,omitempty"`
	HealReason            string        `json:"healReason,omitempty"`
	CurrentProcessingList ListKind      `json:"currentProcessingList,omitempty"`
	CurrentBatch          int           `json:"currentBatch"`
	CurrentIndex          int           `json:"currentIndex"`
	MasterIndexFile       string        `json:"masterIndexFile,omitempty"`
	TotalConnections      Totals        `json:"totalConnections"`
	Credentials           Credentials   `json:"credentials"`
	ListProgress          *ListProgress `json:"listProgress,omitempty"`
	LastError             *ErrorRecord  `json:"lastError,omitempty"`
	CreatedAt             time.Time     `json:"createdAt"`
	UpdatedAt             time.Time     `json:"updatedAt"`
}

// Healing reports whether the state was written as a healing payload.
func (s *CrawlState) Healing() bool {
	return s.HealPhase != ""
}

// FileReference points at one rotated link file.
type FileReference struct {
	FileName string `json:"fileName"`
	Path     string `json:"path"`
	Index    int    `json:"index"`
	Count    int    `json:"count"`
	Complete bool   `json:"complete"`
}

// IndexMetadata describes the captured lists.
type IndexMetadata struct {
	RequestID   string           `json:"requestId"`
	CapturedAt  time.Time        `json:"capturedAt"`
	BatchSize   int              `json:"batchSize"`
	Totals      Totals           `json:"totals"`
	BatchCounts map[ListKind]int `json:"batchCounts,omitempty"`
}

// ProcessingState tracks batch progress across kinds.
type ProcessingState struct {
	CurrentList      ListKind           `json:"currentList,omitempty"`
	CurrentBatch     int                `json:"currentBatch"`
	CurrentIndex     int                `json:"currentIndex"`
	CompletedBatches map[ListKind][]int `json:"completedBatches"`
	CompletedLists   []ListKind         `json:"completedLists,omitempty"`
}

// MasterIndex ties a run's link files, batches and progress together.
type MasterIndex struct {
	Metadata        IndexMetadata                `json:"metadata"`
	Files           map[ListKind][]FileReference `json:"files"`
	ProcessingState ProcessingState              `json:"processingState"`
}

// NewMasterIndex returns an empty index for a run.
func NewMasterIndex(requestID string, batchSize int, at time.Time) *MasterIndex {
	return &MasterIndex{
		Metadata: IndexMetadata{
			RequestID:   requestID,
			CapturedAt:  at,
			BatchSize:   batchSize,
			BatchCounts: map[ListKind]int{},
		},
		Files: map[ListKind][]FileReference{},
		ProcessingState: ProcessingState{
			CompletedBatches: map[ListKind][]int{},
		},
	}
}

func (m *MasterIndex) ensureMaps() {
	if m.Files == nil {
		m.Files = map[ListKind][]FileReference{}
	}
	if m.Metadata.BatchCounts == nil {
		m.Metadata.BatchCounts = map[ListKind]int{}
	}
	if m.ProcessingState.CompletedBatches == nil {
		m.ProcessingState.CompletedBatches = map[ListKind][]int{}
	}
}

// MarkBatchComplete records batch n of kind as done. Completed batches are
// only ever appended.
func (m *MasterIndex) MarkBatchComplete(kind ListKind, n int) {
	m.ensureMaps()
	if m.IsBatchComplete(kind, n) {
		return
	}
	m.ProcessingState.CompletedBatches[kind] = append(m.ProcessingState.CompletedBatches[kind], n)
}

// IsBatchComplete reports whether batch n of kind was already processed.
func (m *MasterIndex) IsBatchComplete(kind ListKind, n int) bool {
	return slices.Contains(m.ProcessingState.CompletedBatches[kind], n)
}

// MarkListComplete records that list creation for kind finished.
func (m *MasterIndex) MarkListComplete(kind ListKind) {
	if m.IsListComplete(kind) {
		return
	}
	m.ProcessingState.CompletedLists = append(m.ProcessingState.CompletedLists, kind)
}

// IsListComplete reports whether list creation for kind finished.
func (m *MasterIndex) IsListComplete(kind ListKind) bool {
	return slices.Contains(m.ProcessingState.CompletedLists, kind)
}

// SetFiles replaces the link file references for kind and refreshes totals.
func (m *MasterIndex) SetFiles(kind ListKind, refs []FileReference) {
	m.ensureMaps()
	m.Files[kind] = refs
	total := 0
	for _, ref := range refs {
		total += ref.Count
	}
	m.Metadata.Totals.Set(kind, total)
}

// SetBatchCount records how many batch files exist for kind.
func (m *MasterIndex) SetBatchCount(kind ListKind, n int) {
	m.ensureMaps()
	m.Metadata.BatchCounts[kind] = n
}

// BatchCount returns the number of batch files for kind and whether they exist.
func (m *MasterIndex) BatchCount(kind ListKind) (int, bool) {
	n, ok := m.Metadata.BatchCounts[kind]
	return n, ok
}

// BatchMeta describes a batch file's slice of its list.
type BatchMeta struct {
	Start     int       `json:"start"`
	End       int       `json:"end"`
	Total     int       `json:"total"`
	CreatedAt time.Time `json:"createdAt"`
}

// BatchFile is one fixed-size slice of a connection list.
type BatchFile struct {
	BatchNumber int                `json:"batchNumber"`
	Kind        ListKind           `json:"kind"`
	Items       []ConnectionRecord `json:"items"`
	Meta        BatchMeta          `json:"meta"`
}

// LinkFile is the on-disk form of a rotated link file. Allies are stored as
// plain connections, invitation kinds as invitations.
type LinkFile struct {
	Kind        ListKind           `json:"kind"`
	FileIndex   int                `json:"fileIndex"`
	CapturedAt  time.Time          `json:"capturedAt"`
	Connections []string           `json:"connections,omitempty"`
	Invitations []ConnectionRecord `json:"invitations,omitempty"`
}

// Records flattens the file into connection records.
func (f LinkFile) Records() []ConnectionRecord {
	out := make([]ConnectionRecord, 0, len(f.Connections)+len(f.Invitations))
	for _, id := range f.Connections {
		out = append(out, ConnectionRecord{ProfileID: id})
	}
	return append(out, f.Invitations...)
}

// Chunk splits records into consecutive slices of at most size items.
func Chunk(records []ConnectionRecord, size int) [][]ConnectionRecord {
	if size <= 0 || len(records) == 0 {
		return nil
	}
	chunks := make([][]ConnectionRecord, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		chunks = append(chunks, records[start:end])
	}
	return chunks
}
