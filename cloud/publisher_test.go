package cloud

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/cpdmesh/cpd"
)

func TestNewPublisher(t *testing.T) {
	p := NewPublisher(nil, "run", "")
	if p.publishPrefix != DefaultPublishPrefix {
		t.Errorf("Default prefix = %s, want %s", p.publishPrefix, DefaultPublishPrefix)
	}
	if p.qos != 0 {
		t.Errorf("Default QoS = %d, want 0", p.qos)
	}
	if !p.retain {
		t.Error("Default retain should be true")
	}
	if got := p.Topic("result"); got != "cpdmesh/run/result" {
		t.Errorf("Topic = %s", got)
	}
}

func TestPublisher_SetQoS(t *testing.T) {
	p := NewPublisher(nil, "run", "x")
	p.SetQoS(2)
	if p.qos != 2 {
		t.Errorf("QoS = %d, want 2", p.qos)
	}
	p.SetQoS(3)
	if p.qos != 2 {
		t.Errorf("invalid QoS should be ignored, got %d", p.qos)
	}
	p.SetRetain(false)
	if p.retain {
		t.Error("retain should be false")
	}
}

func TestPublisher_NotConnected(t *testing.T) {
	p := NewPublisher(nil, "run", "x")
	p.OnStart(cpd.StartEvent{Transform: cpd.KindRigid})
	require.Error(t, p.Err())
	assert.Equal(t, 0, p.Sent())

	client := NewMockClient()
	p = NewPublisher(client, "run", "x")
	p.OnIteration(cpd.IterationEvent{Iteration: 1})
	assert.Error(t, p.Err())
	assert.Empty(t, client.GetPublishedMessages())
}

func TestPublisher_StreamsRun(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)

	p := NewPublisher(client, "run-42", "reg")
	p.OnStart(cpd.StartEvent{
		Transform:    cpd.KindAffine,
		Comparer:     "kdtree",
		FixedPoints:  10,
		MovingPoints: 8,
		Dimensions:   3,
		Sigma2:       0.5,
		Sigma2Source: "computed",
		Normalized:   true,
	})
	for i := 1; i <= 3; i++ {
		p.OnIteration(cpd.IterationEvent{Iteration: i, L: float64(10 - i), Change: 0.1, Sigma2: 0.1})
	}
	p.OnFinish(&cpd.Result{
		Transform:  cpd.KindAffine,
		Sigma2:     0.01,
		Iterations: 3,
		StopReason: cpd.StopConverged,
		Params: &cpd.AffineParams{
			Matrix:      mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
			Translation: []float64{0, 0},
		},
	})

	require.NoError(t, p.Err())
	msgs := client.GetPublishedMessages()
	require.Len(t, msgs, 5)
	assert.Equal(t, 5, p.Sent())
	for _, m := range msgs {
		assert.True(t, m.Retain)
		assert.Equal(t, byte(0), m.QoS)
	}

	assert.Equal(t, "reg/run-42/start", msgs[0].Topic)
	var start StartMessage
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &start))
	assert.Equal(t, "run-42", start.RunID)
	assert.Equal(t, cpd.KindAffine, start.Transform)
	assert.Equal(t, 3, start.Dimensions)
	assert.Equal(t, "computed", start.Sigma2Source)

	iters := client.MessagesWithSuffix("/iteration")
	require.Len(t, iters, 3)
	var it IterationMessage
	require.NoError(t, json.Unmarshal(iters[2].Payload, &it))
	assert.Equal(t, 3, it.Iteration)
	assert.Equal(t, 7.0, it.L)

	results := client.MessagesWithSuffix("/result")
	require.Len(t, results, 1)
	var rec ResultRecord
	require.NoError(t, json.Unmarshal(results[0].Payload, &rec))
	assert.Equal(t, "run-42", rec.RunID)
	assert.Equal(t, "kdtree", rec.Comparer)
	assert.Equal(t, "converged", rec.StopReason)
	assert.Equal(t, [][]float64{{1, 0}, {0, 1}}, rec.Matrix)
}

func TestPublisher_Every(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)

	p := NewPublisher(client, "run", "x")
	p.SetEvery(5)
	for i := 1; i <= 12; i++ {
		p.OnIteration(cpd.IterationEvent{Iteration: i})
	}
	assert.Len(t, client.MessagesWithSuffix("/iteration"), 2)
}

func TestPublisher_PublishError(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	client.SetPublishError(errors.New("broker full"))

	p := NewPublisher(client, "run", "x")
	p.OnFinish(&cpd.Result{Transform: cpd.KindRigid, StopReason: cpd.StopMaxIterations})
	assert.ErrorContains(t, p.Err(), "broker full")
	assert.Equal(t, 0, p.Sent())
}

func TestPublisher_AsRunnerObserver(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	p := NewPublisher(client, NewRunID(), "")

	fixed := mat.NewDense(4, 2, []float64{0, 0, 1, 0, 0, 1, 1, 1})
	moving := mat.NewDense(4, 2, []float64{0.1, 0.1, 1.1, 0.1, 0.1, 1.1, 1.1, 1.1})

	result, err := cpd.Register(cpd.KindRigid, fixed, moving, cpd.WithObserver(p))
	require.NoError(t, err)
	require.NoError(t, p.Err())

	assert.Len(t, client.MessagesWithSuffix("/start"), 1)
	assert.Len(t, client.MessagesWithSuffix("/iteration"), result.Iterations)
	assert.Len(t, client.MessagesWithSuffix("/result"), 1)
}
