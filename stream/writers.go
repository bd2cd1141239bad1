// Package stream tracks which instance may authoritatively advance each
// replication stream and keeps the ledger of last-known stream positions.
package stream

// Stream names, in replication order.
const (
	StreamEvents      = "events"
	StreamTyping      = "typing"
	StreamToDevice    = "to_device"
	StreamAccountData = "account_data"
	StreamReceipts    = "receipts"
	StreamPresence    = "presence"
	StreamDeviceLists = "device_lists"
	StreamFederation  = "federation"
	StreamPushers     = "pushers"
	StreamCaches      = "caches"
)

// Names returns every known stream name.
func Names() []string {
	return []string{
		StreamEvents,
		StreamTyping,
		StreamToDevice,
		StreamAccountData,
		StreamReceipts,
		StreamPresence,
		StreamDeviceLists,
		StreamFederation,
		StreamPushers,
		StreamCaches,
	}
}

// Writers maps each stream to the instance configured to write it. An empty
// field means no writer is configured for that stream, in which case every
// instance treats it as locally writable.
type Writers struct {
	Events      string `json:"events,omitempty"`
	Typing      string `json:"typing,omitempty"`
	ToDevice    string `json:"to_device,omitempty"`
	AccountData string `json:"account_data,omitempty"`
	Receipts    string `json:"receipts,omitempty"`
	Presence    string `json:"presence,omitempty"`
	DeviceLists string `json:"device_lists,omitempty"`
	Federation  string `json:"federation,omitempty"`
	Pushers     string `json:"pushers,omitempty"`
	Caches      string `json:"caches,omitempty"`
}

// Writer returns the configured writer for a stream. ok is false when the
// stream has no configured writer or the name is unknown.
func (w Writers) Writer(streamName string) (string, bool) {
	var writer string

	switch streamName {
	case StreamEvents:
		writer = w.Events
	case StreamTyping:
		writer = w.Typing
	case StreamToDevice:
		writer = w.ToDevice
	case StreamAccountData:
		writer = w.AccountData
	case StreamReceipts:
		writer = w.Receipts
	case StreamPresence:
		writer = w.Presence
	case StreamDeviceLists:
		writer = w.DeviceLists
	case StreamFederation:
		writer = w.Federation
	case StreamPushers:
		writer = w.Pushers
	case StreamCaches:
		writer = w.Caches
	default:
		return "", false
	}

	if writer == "" {
		return "", false
	}
	return writer, true
}

// ConfiguredWriters returns the writer names of every configured stream, in
// stream order. Duplicates are preserved.
func (w Writers) ConfiguredWriters() []string {
	var writers []string
	for _, name := range Names() {
		if writer, ok := w.Writer(name); ok {
			writers = append(writers, writer)
		}
	}
	return writers
}
