package atlas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/atlaskv/atlas-go/wire"
)

func TestNewPolicyDefaults(t *testing.T) {
	p := NewPolicy()
	assert.Equal(t, time.Second, p.TotalTimeout)
	assert.Equal(t, 500*time.Millisecond, p.SocketTimeout)
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, ReplicaSequence, p.Replica)
}

func TestNewWritePolicyDefaults(t *testing.T) {
	p := NewWritePolicy()
	assert.Equal(t, 0, p.MaxRetries, "writes must not retry by default")
	assert.Equal(t, ReplicaMaster, p.Replica)
	assert.Equal(t, Update, p.RecordExistsAction)
	assert.Equal(t, GenerationIgnore, p.GenerationPolicy)
}

func TestWritePolicyIdempotent(t *testing.T) {
	p := NewWritePolicy()
	assert.False(t, p.idempotent())

	p.GenerationPolicy = GenerationEqual
	p.Generation = 3
	assert.True(t, p.idempotent(), "generation-checked writes cannot double apply")

	p.GenerationPolicy = GenerationGreater
	assert.False(t, p.idempotent())
}

func TestPolicyDeadline(t *testing.T) {
	now := time.Now()

	p := NewPolicy()
	p.TotalTimeout = 2 * time.Second
	assert.Equal(t, now.Add(2*time.Second), p.deadline(now))

	p.TotalTimeout = 0
	assert.True(t, p.deadline(now).IsZero(), "zero timeout means unbounded")
}

func TestWriteAttrs(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*WritePolicy)
		wantInfo2 uint8
		wantInfo3 uint8
	}{
		{"plain update", func(p *WritePolicy) {}, wire.Info2Write, 0},
		{"create only", func(p *WritePolicy) { p.RecordExistsAction = CreateOnly }, wire.Info2Write | wire.Info2CreateOnly, 0},
		{"update only", func(p *WritePolicy) { p.RecordExistsAction = UpdateOnly }, wire.Info2Write, wire.Info3UpdateOnly},
		{"replace", func(p *WritePolicy) { p.RecordExistsAction = Replace }, wire.Info2Write, wire.Info3CreateOrReplace},
		{"replace only", func(p *WritePolicy) { p.RecordExistsAction = ReplaceOnly }, wire.Info2Write, wire.Info3ReplaceOnly},
		{"generation equal", func(p *WritePolicy) { p.GenerationPolicy = GenerationEqual }, wire.Info2Write | wire.Info2Generation, 0},
		{"generation greater", func(p *WritePolicy) { p.GenerationPolicy = GenerationGreater }, wire.Info2Write | wire.Info2GenerationGT, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewWritePolicy()
			tt.mutate(p)
			info2, info3 := writeAttrs(p)
			assert.Equal(t, tt.wantInfo2, info2)
			assert.Equal(t, tt.wantInfo3, info3)
		})
	}
}
