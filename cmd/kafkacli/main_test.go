package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optiopay/kafka-client/kafkatest"
	"github.com/optiopay/kafka-client/proto"
)

func testCluster(t *testing.T) *kafkatest.Cluster {
	t.Helper()
	cluster, err := kafkatest.NewCluster(2)
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	return cluster
}

// run executes the command line against the cluster and returns its output.
func run(t *testing.T, cluster *kafkatest.Cluster, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--bootstrap", strings.Join(cluster.Addrs(), ",")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMetadataCommand(t *testing.T) {
	cluster := testCluster(t)
	cluster.CreateTopic("foo", 2)
	require.NoError(t, cluster.SetLeader("foo", 1, kafkatest.NoLeader))

	out, err := run(t, cluster, "", "metadata")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, []string{"NODE", "ADDRESS"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"1", cluster.Server(1).Addr()}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"2", cluster.Server(2).Addr()}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"foo", "0", "1", "1"}, strings.Fields(lines[5]))
	assert.Contains(t, lines[6], "-")
	assert.Contains(t, lines[6], proto.ErrLeaderNotAvailable.Error())
}

func TestMetadataCommandUnknownTopic(t *testing.T) {
	cluster := testCluster(t)

	out, err := run(t, cluster, "", "metadata", "missing")
	require.NoError(t, err)
	assert.Contains(t, out, "missing")
	assert.Contains(t, out, proto.ErrUnknownTopicOrPartition.Error())
}

func TestProduceAndConsumeCommands(t *testing.T) {
	cluster := testCluster(t)
	cluster.CreateTopic("foo", 2)

	_, err := run(t, cluster, "first\nsecond\nthird\n", "produce", "--topic", "foo", "--partition", "1", "--batch", "2")
	require.NoError(t, err)
	msgs, err := cluster.Messages("foo", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "third", string(msgs[2].Value()))

	out, err := run(t, cluster, "", "consume", "foo")
	require.NoError(t, err)
	assert.Equal(t, "1\t0\t\tfirst\n1\t1\t\tsecond\n1\t2\t\tthird\n", out)

	out, err = run(t, cluster, "", "consume", "foo", "--partitions", "1", "--offset", "1")
	require.NoError(t, err)
	assert.Equal(t, "1\t1\t\tsecond\n1\t2\t\tthird\n", out)

	out, err = run(t, cluster, "", "consume", "foo", "--partitions", "1", "--limit", "1")
	require.NoError(t, err)
	assert.Equal(t, "1\t0\t\tfirst\n", out)
}

func TestProduceCommandRequiresTopic(t *testing.T) {
	cluster := testCluster(t)
	_, err := run(t, cluster, "value\n", "produce")
	assert.Error(t, err)
}
