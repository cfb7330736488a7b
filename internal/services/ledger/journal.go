package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
)

const (
	effectIntentKeyPrefix     = "ledger_effect_intent_"
	effectIntentStatusPending = "pending"
	effectIntentStatusDone    = "done"
	effectIntentStatusFailed  = "failed"
)

type effectIntentKind string

const (
	intentKindApply   effectIntentKind = "apply"
	intentKindReverse effectIntentKind = "reverse"
)

// effectIntentRecord is a durable record of one intended balance mutation.
// It is written before the mutation and updated after, so a pending record
// after a crash means the outcome is unknown and needs review.
type effectIntentRecord struct {
	ID          string           `json:"id"`
	Status      string           `json:"status"`
	Kind        effectIntentKind `json:"kind"`
	WalletID    string           `json:"wallet_id"`
	DetectionID string           `json:"detection_id"`
	Amount      decimal.Decimal  `json:"amount"` // signed effect
	Time        time.Time        `json:"time"`
	Error       string           `json:"error,omitempty"`
}

type effectJournal struct {
	wal     *gowal.Wal
	intents []*effectIntentRecord
	index   map[string]*effectIntentRecord
}

func newEffectJournal(wal *gowal.Wal) (*effectJournal, error) {
	intents := make([]*effectIntentRecord, 0)
	index := make(map[string]*effectIntentRecord)

	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, effectIntentKeyPrefix) {
			continue
		}
		var rec effectIntentRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal effect intent %s", msg.Key)
		}
		if existing, ok := index[rec.ID]; ok {
			*existing = rec
			continue
		}
		recCopy := rec
		intents = append(intents, &recCopy)
		index[rec.ID] = &recCopy
	}

	return &effectJournal{wal: wal, intents: intents, index: index}, nil
}

func (j *effectJournal) Prepare(kind effectIntentKind, walletID, detectionID string, amount decimal.Decimal) (*effectIntentRecord, error) {
	intent := &effectIntentRecord{
		ID:          uuid.NewString(),
		Status:      effectIntentStatusPending,
		Kind:        kind,
		WalletID:    walletID,
		DetectionID: detectionID,
		Amount:      amount,
		Time:        time.Now(),
	}

	if err := j.persist(intent); err != nil {
		return nil, err
	}

	j.intents = append(j.intents, intent)
	j.index[intent.ID] = intent
	return intent, nil
}

func (j *effectJournal) MarkDone(intent *effectIntentRecord) error {
	if intent == nil {
		return nil
	}
	intent.Status = effectIntentStatusDone
	intent.Error = ""
	return j.persist(intent)
}

func (j *effectJournal) MarkFailed(intent *effectIntentRecord, err error) error {
	if intent == nil {
		return nil
	}
	intent.Status = effectIntentStatusFailed
	if err != nil {
		intent.Error = err.Error()
	} else {
		intent.Error = ""
	}
	return j.persist(intent)
}

func (j *effectJournal) Pending() []*effectIntentRecord {
	pending := make([]*effectIntentRecord, 0)
	for _, it := range j.intents {
		if it != nil && it.Status == effectIntentStatusPending {
			pending = append(pending, it)
		}
	}
	return pending
}

func (j *effectJournal) persist(intent *effectIntentRecord) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return errors.Wrap(err, "failed to marshal effect intent")
	}
	key := fmt.Sprintf("%s%s", effectIntentKeyPrefix, intent.ID)
	nextIndex := j.wal.CurrentIndex() + 1
	return j.wal.Write(nextIndex, key, data)
}
