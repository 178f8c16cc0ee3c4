package router

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/trailcrew/fieldsync/internal/models"
)

func TestCodecRoundTrip(t *testing.T) {
	receiver := uuid.New()
	expires := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)

	msg := models.PeerMessage{
		ID:         uuid.New(),
		SenderID:   uuid.New(),
		SenderName: "ada",
		ReceiverID: &receiver,
		Kind:       models.MessageTeamChat,
		Content:    "meet at the fountain",
		Data:       map[string]any{"lat": 25.5, "team_id": uuid.New().String()},
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt:  &expires,
	}

	frame, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, msg.ID, got.ID)
	require.Equal(t, msg.SenderID, got.SenderID)
	require.Equal(t, msg.SenderName, got.SenderName)
	require.Equal(t, msg.ReceiverID, got.ReceiverID)
	require.Equal(t, msg.Kind, got.Kind)
	require.Equal(t, msg.Content, got.Content)
	require.Equal(t, msg.Data["lat"], got.Data["lat"])
	require.True(t, msg.CreatedAt.Equal(got.CreatedAt))
	require.True(t, msg.ExpiresAt.Equal(*got.ExpiresAt))
}

// Property: any message built from generated fields survives the wire
func TestCodecRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	kinds := []models.MessageKind{
		models.MessageText,
		models.MessageTaskCompletion,
		models.MessageBarStopVisit,
		models.MessageTeamLocation,
		models.MessageTeamChat,
	}

	properties.Property("encode/decode preserves every field", prop.ForAll(
		func(senderName, content string, kindIdx int, broadcast bool) bool {
			msg := models.NewPeerMessage(uuid.New(), senderName, kinds[kindIdx%len(kinds)])
			msg.Content = content
			msg.CreatedAt = msg.CreatedAt.Truncate(time.Millisecond)
			if !broadcast {
				r := uuid.New()
				msg.ReceiverID = &r
			}

			frame, err := Encode(msg)
			if err != nil {
				return false
			}
			got, err := Decode(frame)
			if err != nil {
				return false
			}
			if got.ID != msg.ID || got.SenderID != msg.SenderID {
				return false
			}
			if got.SenderName != msg.SenderName || got.Content != msg.Content {
				return false
			}
			if got.Kind != msg.Kind || !got.CreatedAt.Equal(msg.CreatedAt) {
				return false
			}
			if (got.ReceiverID == nil) != (msg.ReceiverID == nil) {
				return false
			}
			return msg.ReceiverID == nil || *got.ReceiverID == *msg.ReceiverID
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.IntRange(0, 100),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"empty":           {},
		"short header":    {0x00, 0x01},
		"length mismatch": {0x00, 0x00, 0x00, 0x09, '{', '}'},
		"oversized claim": {0xFF, 0xFF, 0xFF, 0xFF},
		"not json":        {0x00, 0x00, 0x00, 0x03, 'z', 'a', 'p'},
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(frame)
			require.Error(t, err)
		})
	}
}
