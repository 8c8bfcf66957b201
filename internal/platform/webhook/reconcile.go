package webhook

import "time"

// AssumedDeliveredMessage is stored on records the remote system accepted
// as part of a batch without naming them in its rows.
const AssumedDeliveredMessage = "assumed delivered: not acknowledged by remote"

// NotAcknowledgedMessage is stored on unnamed records when the
// AssumeUnacknowledgedDelivered policy is off.
const NotAcknowledgedMessage = "not acknowledged by remote"

// ReconcileOptions controls how an acknowledgement is turned into outcomes.
type ReconcileOptions struct {
	// Now is used for successful rows that carry no remote timestamp.
	Now time.Time

	// AssumeUnacknowledgedDelivered marks records missing from the rows of
	// a batch whose overall status is not ERROR as delivered. When false
	// they are marked ERROR and resubmitted on the next run.
	AssumeUnacknowledgedDelivered bool
}

// Reconciliation is the result of Reconcile.
type Reconciliation struct {
	Outcomes []Outcome
	// Unknown holds rows that echo an ID outside the submitted batch.
	Unknown   []Row
	Succeeded int
	Errored   int
	Assumed   int
}

// Reconcile maps an acknowledgement onto the submitted records. Every
// submitted record gets exactly one outcome, in submission order. The first
// row naming a record decides its outcome.
func Reconcile(submitted []Record, res *Result, opts ReconcileOptions) Reconciliation {
	byID := make(map[int64]Record, len(submitted))
	for _, r := range submitted {
		byID[r.ID] = r
	}

	var rec Reconciliation
	decided := make(map[int64]Outcome, len(submitted))
	for _, row := range res.Rows {
		id, ok := row.Data.RecordID()
		r, known := byID[id]
		if !ok || !known {
			rec.Unknown = append(rec.Unknown, row)
			continue
		}
		if _, dup := decided[id]; dup {
			continue
		}
		if row.Status == RowSuccess {
			at, ok := row.Data.At()
			if !ok {
				at = opts.Now
			}
			decided[id] = success(r, at, row.Message)
		} else {
			decided[id] = Outcome{RecordID: id, Status: StatusError, At: opts.Now, Message: row.Message}
		}
	}

	for _, r := range submitted {
		o, ok := decided[r.ID]
		if !ok {
			switch {
			case res.Status == OverallError:
				o = Outcome{RecordID: r.ID, Status: StatusError, At: opts.Now, Message: res.Message}
			case opts.AssumeUnacknowledgedDelivered:
				o = success(r, opts.Now, AssumedDeliveredMessage)
				rec.Assumed++
			default:
				o = Outcome{RecordID: r.ID, Status: StatusError, At: opts.Now, Message: NotAcknowledgedMessage}
			}
		}
		o.Snapshot = r.UpdatedAt
		if o.Status == StatusSuccess {
			rec.Succeeded++
		} else {
			rec.Errored++
		}
		rec.Outcomes = append(rec.Outcomes, o)
	}
	return rec
}

// success never dates a delivery before the content it delivered, so the
// record is not immediately due again.
func success(r Record, at time.Time, msg string) Outcome {
	if at.Before(r.UpdatedAt) {
		at = r.UpdatedAt
	}
	return Outcome{RecordID: r.ID, Status: StatusSuccess, At: at, Message: msg}
}
