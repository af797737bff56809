package chat

// Action is what the store must do with an incoming message.
type Action int

const (
	// Insert creates a new row.
	Insert Action = iota
	// Update merges status and archive id into an existing row.
	Update
	// Bind attaches the external id to a local row matched by client id,
	// then merges like Update.
	Bind
)

func (a Action) String() string {
	switch a {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Bind:
		return "bind"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Reconcile.
type Decision struct {
	Action        Action
	Status        Status
	ArchiveID     *int64
	StatusChanged bool
	// Anomaly is set when an update carries a body that differs from the
	// stored one. Content is never rewritten on update.
	Anomaly bool
}

// Reconcile decides how incoming merges into current, which may be nil.
// It has no side effects.
func Reconcile(current, incoming *Message) Decision {
	if current == nil {
		return Decision{
			Action:        Insert,
			Status:        insertStatus(incoming.Status),
			ArchiveID:     incoming.ArchiveID,
			StatusChanged: true,
		}
	}

	d := Decision{
		Action:    Update,
		Status:    Merge(current.Status, incoming.Status),
		ArchiveID: current.ArchiveID,
	}
	if current.ExternalID == "" && incoming.ExternalID != "" {
		d.Action = Bind
		// The echo proves the server has it, even if the ack has not arrived.
		d.Status = Merge(d.Status, Sent)
	}
	if incoming.ArchiveID != nil {
		d.ArchiveID = incoming.ArchiveID
	}
	d.StatusChanged = d.Status != current.Status
	d.Anomaly = contentDiffers(current, incoming)
	return d
}

// insertStatus is the status of a row created from server data. A message
// the server hands us is at least Sent.
func insertStatus(s Status) Status {
	if !s.Valid() || s < Sent {
		return Sent
	}
	return s
}

func contentDiffers(current, incoming *Message) bool {
	if incoming.Body == nil || current.Body == nil {
		return false
	}
	return *incoming.Body != *current.Body
}
