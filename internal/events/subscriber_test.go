package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/govchat/internal/ingest"
	"github.com/sells-group/govchat/internal/model"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		want    ingest.Event
		wantErr bool
	}{
		{
			name: "backend id",
			data: `{"id":"r1","status":"indexed"}`,
			want: ingest.Event{RemoteID: "r1", Status: model.FileIndexed},
		},
		{
			name: "remote_id alias wins",
			data: `{"id":"x","remote_id":"r2","status":"processing"}`,
			want: ingest.Event{RemoteID: "r2", Status: model.FileProcessing},
		},
		{
			name: "error with reason",
			data: `{"name":"a.csv","status":"error","error":"parse failed"}`,
			want: ingest.Event{Name: "a.csv", Status: model.FileError, Error: "parse failed"},
		},
		{name: "unknown status", data: `{"id":"r1","status":"done"}`, wantErr: true},
		{name: "no reference", data: `{"status":"indexed"}`, wantErr: true},
		{name: "not json", data: `indexed`, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Decode([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type capture struct{ events []ingest.Event }

func (c *capture) Publish(ev ingest.Event) { c.events = append(c.events, ev) }

func TestHandle_PublishesDecodedEvents(t *testing.T) {
	t.Parallel()

	var c capture
	s := &Subscriber{pub: &c, log: zap.NewNop()}

	s.Handle([]byte(`{"id":"r1","status":"indexed"}`))
	s.Handle([]byte(`garbage`))
	s.Handle([]byte(`{"id":"r2","status":"error","error":"boom"}`))

	require.Len(t, c.events, 2)
	assert.Equal(t, "r1", c.events[0].RemoteID)
	assert.Equal(t, model.FileError, c.events[1].Status)
}
