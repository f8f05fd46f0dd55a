package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// ConnectivityResult is the outcome of one connectivity check.
type ConnectivityResult struct {
	Target string `json:"target"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
	Hint   string `json:"hint,omitempty"`
}

// CheckConnectivity dials every configured broker and checks that each topic is
// visible in the first reachable broker's metadata.
func CheckConnectivity(ctx context.Context, cfg KafkaConfig, timeout time.Duration) []ConnectivityResult {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var (
		out  []ConnectivityResult
		meta []kafka.Partition
	)
	for _, broker := range cfg.BrokerList() {
		parts, err := dialBroker(ctx, broker, timeout)
		if err != nil {
			out = append(out, ConnectivityResult{Target: broker, Detail: fmt.Sprintf("broker dial failed: %v", err), Hint: dialHint(err)})
			continue
		}
		out = append(out, ConnectivityResult{Target: broker, OK: true, Detail: fmt.Sprintf("ApiVersions OK, %d partitions visible", len(parts))})
		if meta == nil {
			meta = parts
		}
	}
	if meta == nil {
		return out
	}
	for _, topic := range cfg.Topics {
		n := 0
		for _, p := range meta {
			if p.Topic == topic {
				n++
			}
		}
		if n == 0 {
			out = append(out, ConnectivityResult{Target: topic, Detail: "topic not found or not authorized", Hint: "Grant Describe on the topic or create it."})
			continue
		}
		out = append(out, ConnectivityResult{Target: topic, OK: true, Detail: fmt.Sprintf("topic visible with %d partitions", n)})
	}
	return out
}

func dialBroker(ctx context.Context, addr string, timeout time.Duration) ([]kafka.Partition, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	dialer := &kafka.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if _, err := conn.ApiVersions(); err != nil {
		return nil, fmt.Errorf("ApiVersions: %w", err)
	}
	parts, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("ReadPartitions: %w", err)
	}
	return parts, nil
}

func dialHint(err error) string {
	var ke kafka.Error
	if errors.As(err, &ke) {
		switch ke {
		case kafka.TopicAuthorizationFailed, kafka.ClusterAuthorizationFailed:
			return "Missing ACL: Describe on the cluster and topics."
		case kafka.SASLAuthenticationFailed:
			return "Verify SASL mechanism and credentials."
		}
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return "Timed out: check network path, firewall or advertised.listeners."
	}
	if strings.Contains(strings.ToLower(err.Error()), "connection refused") {
		return "Nothing listens on that address; check the broker list."
	}
	return ""
}
