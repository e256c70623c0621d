package integration

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/pkg/errors"

	kafka "github.com/optiopay/kafka-client"
)

const (
	// DefaultImage bundles zookeeper and a kafka broker that still speaks
	// version 0 of the protocol.
	DefaultImage = "spotify/kafka:latest"

	kafkaPort = docker.Port("9092/tcp")
)

// KafkaCluster is a single node kafka cluster running in a docker container.
// The broker advertises 127.0.0.1 and the host port it is published on, so
// metadata responses point to an address reachable from the host.
type KafkaCluster struct {
	Image string
	Port  int

	docker *docker.Client

	mu        sync.Mutex
	container *Container
}

// Container is a docker container started by the cluster.
type Container struct {
	cluster *KafkaCluster
	*docker.Container
}

// NewKafkaCluster returns cluster using docker daemon configured by the
// DOCKER_HOST family of environment variables. Nothing is started yet.
func NewKafkaCluster(image string, port int) (*KafkaCluster, error) {
	client, err := docker.NewClientFromEnv()
	if err != nil {
		return nil, errors.Wrap(err, "cannot open connection to docker")
	}
	if image == "" {
		image = DefaultImage
	}
	return &KafkaCluster{
		Image:  image,
		Port:   port,
		docker: client,
	}, nil
}

// Start pulls the image if needed and runs a fresh broker container.
func (cluster *KafkaCluster) Start() error {
	cluster.mu.Lock()
	defer cluster.mu.Unlock()

	if cluster.container != nil {
		return errors.New("cluster already started")
	}

	if _, err := cluster.docker.InspectImage(cluster.Image); err != nil {
		repo, tag := docker.ParseRepositoryTag(cluster.Image)
		opts := docker.PullImageOptions{Repository: repo, Tag: tag}
		if err := cluster.docker.PullImage(opts, docker.AuthConfiguration{}); err != nil {
			return errors.Wrapf(err, "cannot pull %s", cluster.Image)
		}
	}

	hostPort := strconv.Itoa(cluster.Port)
	hostConf := &docker.HostConfig{
		PortBindings: map[docker.Port][]docker.PortBinding{
			kafkaPort: {{HostIP: "127.0.0.1", HostPort: hostPort}},
		},
	}
	c, err := cluster.docker.CreateContainer(docker.CreateContainerOptions{
		Name: fmt.Sprintf("kafka-client-integration-%d", cluster.Port),
		Config: &docker.Config{
			Image: cluster.Image,
			Env: []string{
				"ADVERTISED_HOST=127.0.0.1",
				"ADVERTISED_PORT=" + hostPort,
			},
			ExposedPorts: map[docker.Port]struct{}{kafkaPort: {}},
		},
		HostConfig: hostConf,
	})
	if err != nil {
		return errors.Wrap(err, "cannot create kafka container")
	}
	container := &Container{cluster: cluster, Container: c}
	if err := container.Start(); err != nil {
		_ = container.Remove()
		return err
	}
	cluster.container = container
	return nil
}

// Stop removes the broker container together with its data.
func (cluster *KafkaCluster) Stop() error {
	cluster.mu.Lock()
	defer cluster.mu.Unlock()

	if cluster.container == nil {
		return nil
	}
	err := cluster.container.Remove()
	cluster.container = nil
	return err
}

// Container returns inspected broker container.
func (cluster *KafkaCluster) Container() (*Container, error) {
	cluster.mu.Lock()
	defer cluster.mu.Unlock()

	if cluster.container == nil {
		return nil, errors.New("cluster not started")
	}
	c, err := cluster.docker.InspectContainerWithOptions(docker.InspectContainerOptions{
		ID: cluster.container.ID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot inspect docker container")
	}
	cluster.container.Container = c
	return cluster.container, nil
}

// KafkaAddrs returns list of kafka node addresses in form <host>:<port>.
func (cluster *KafkaCluster) KafkaAddrs() ([]string, error) {
	c, err := cluster.Container()
	if err != nil {
		return nil, err
	}
	if !c.State.Running {
		return nil, errors.Errorf("container %s is not running", c.ID)
	}
	var addrs []string
	for _, binding := range c.NetworkSettings.Ports[kafkaPort] {
		addrs = append(addrs, fmt.Sprintf("127.0.0.1:%s", binding.HostPort))
	}
	if len(addrs) == 0 {
		return nil, errors.Errorf("port %s of container %s is not published", kafkaPort, c.ID)
	}
	return addrs, nil
}

// WaitUntilReady blocks until the broker answers metadata requests and is
// the leader of given test topic, which it creates.
func (cluster *KafkaCluster) WaitUntilReady(ctx context.Context, topic string) error {
	addrs, err := cluster.KafkaAddrs()
	if err != nil {
		return err
	}
	conf := kafka.NewClientConf(addrs...)
	conf.DialTimeout = time.Second
	client, err := kafka.NewClient(conf)
	if err != nil {
		return err
	}
	defer client.Close()

	for {
		leader, err := client.GetLeader(ctx, kafka.TopicAndPartition{Topic: topic}, true)
		if err == nil && leader != nil {
			return nil
		}
		if err == nil {
			err = errors.New("no partition leader")
		}
		client.ResetAllMetadata()

		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "kafka not ready: %s", err)
		case <-time.After(time.Second):
		}
	}
}

// Start starts current container.
func (c *Container) Start() error {
	if err := c.cluster.docker.StartContainer(c.ID, nil); err != nil {
		return errors.Wrapf(err, "cannot start %q container", c.ID)
	}
	return nil
}

// Stop stops current container, giving it a second for clean shutdown.
func (c *Container) Stop() error {
	if err := c.cluster.docker.StopContainer(c.ID, 1); err != nil {
		return errors.Wrapf(err, "cannot stop %q container", c.ID)
	}
	return nil
}

func (c *Container) Kill() error {
	if err := c.cluster.docker.KillContainer(docker.KillContainerOptions{ID: c.ID}); err != nil {
		return errors.Wrapf(err, "cannot kill %q container", c.ID)
	}
	return nil
}

func (c *Container) Remove() error {
	err := c.cluster.docker.RemoveContainer(docker.RemoveContainerOptions{
		ID:            c.ID,
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		return errors.Wrapf(err, "cannot remove %q container", c.ID)
	}
	return nil
}
