package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_sessions_created_total",
			Help: "Total number of sessions created.",
		},
		[]string{"kind"},
	)

	DecryptionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_decryption_failures_total",
			Help: "Total number of messages that failed to decrypt.",
		},
		[]string{"kind", "reason"},
	)

	RoomKeysSharedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_room_keys_shared_total",
			Help: "Total number of room keys sent or withheld per device.",
		},
		[]string{"result"},
	)

	KeyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_key_requests_total",
			Help: "Total number of incoming room key requests.",
		},
		[]string{"result"},
	)

	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_verifications_total",
			Help: "Total number of finished verification flows.",
		},
		[]string{"result"},
	)

	BackupEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_backup_entries_total",
			Help: "Total number of room keys backed up or restored.",
		},
		[]string{"op", "result"},
	)

	RelayMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_to_device_messages_total",
			Help: "Total number of to-device messages handled by the relay.",
		},
		[]string{"delivery"},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		SessionsCreatedTotal,
		DecryptionFailuresTotal,
		RoomKeysSharedTotal,
		KeyRequestsTotal,
		VerificationsTotal,
		BackupEntriesTotal,
		RelayMessagesTotal,
	)
}
