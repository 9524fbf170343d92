package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
	"kubegems.io/jobflow/pkg/model"
	"kubegems.io/jobflow/pkg/msgbus"
)

type recordingPublisher struct {
	mu       sync.Mutex
	commands []Command
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, msg []byte) {
	cmd, err := DecodeCommand(msg)
	if err != nil {
		panic(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, cmd)
}

func (p *recordingPublisher) of(command CommandType) []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret := []Command{}
	for _, cmd := range p.commands {
		if cmd.Command == command {
			ret = append(ret, cmd)
		}
	}
	return ret
}

func TestOfferDispatcher_OneChooseForConcurrentOffers(t *testing.T) {
	ctx := context.Background()
	clk := clocktesting.NewFakeClock(time.Now())
	jobs := NewJobs()
	pub := &recordingPublisher{}
	d := NewOfferDispatcher(DefaultTopic, pub, jobs, clk)

	id := model.NewIdPair("s1", "j1")
	require.True(t, jobs.AddNew(id, "alice", 1, clk.Now()))
	jobs.SetScheduled(id, clk.Now())
	d.ScheduleJob(ctx, id)
	require.Len(t, pub.of(CommandSchedule), 1)

	workers := 50
	wg := sync.WaitGroup{}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			offer := NewCommand(CommandOffer, id, fmt.Sprintf("worker-%d", i))
			d.HandleMessage(ctx, &msgbus.Principal{Name: "comp"}, offer.Encode())
		}(i)
	}
	wg.Wait()

	chosen := pub.of(CommandChoose)
	require.Len(t, chosen, 1)
	state, ok := jobs.Get(id)
	require.True(t, ok)
	assert.True(t, state.IsRunning())
	assert.Equal(t, chosen[0].WorkerID, state.WorkerID)
	assert.Equal(t, 0, d.Pending())

	// a late offer after the choice is ignored
	d.HandleMessage(ctx, nil, NewCommand(CommandOffer, id, "late").Encode())
	assert.Len(t, pub.of(CommandChoose), 1)
	assert.False(t, d.Abandon(ctx, id))
}

func TestOfferDispatcher_Commands(t *testing.T) {
	ctx := context.Background()
	clk := clocktesting.NewFakeClock(time.Now())
	jobs := NewJobs()
	pub := &recordingPublisher{}
	d := NewOfferDispatcher(DefaultTopic, pub, jobs, clk)

	id := model.NewIdPair("s1", "j1")
	jobs.AddNew(id, "alice", 1, clk.Now())
	d.ScheduleJob(ctx, id)

	// a worker that becomes available gets the pending job again
	d.HandleMessage(ctx, nil, Command{WorkerID: "w", Command: CommandAvailable}.Encode())
	assert.Len(t, pub.of(CommandSchedule), 2)

	d.HandleMessage(ctx, nil, NewCommand(CommandOffer, id, "w").Encode())
	clk.Step(time.Minute)
	d.HandleMessage(ctx, nil, NewCommand(CommandRunning, id, "w").Encode())
	state, _ := jobs.Get(id)
	assert.Equal(t, clk.Now(), state.HeartbeatTimestamp)

	d.CancelJob(ctx, id)
	assert.Len(t, pub.of(CommandCancel), 1)

	// garbage and busy are only logged
	d.HandleMessage(ctx, nil, []byte("garbage"))
	d.HandleMessage(ctx, nil, Command{WorkerID: "w", Command: CommandBusy}.Encode())
	assert.Len(t, pub.of(CommandSchedule), 2)
}
