// Package publisher announces conflation results on NATS.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"

	"gtfs-conflator/internal/conflate"
)

var log = logrus.WithField("module", "publisher")

type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// NATSPublisher implements pipeline.Sink.
type NATSPublisher struct {
	nc          conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("gtfs-conflator"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warnf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return newPublisher(nc, prefix, logSubjects, m), nil
}

func newPublisher(nc conn, prefix string, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: strings.Trim(prefix, "."), logSubjects: logSubjects, metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			log.Warnf("nats drain: %v", err)
		}
		p.nc.Close()
	}
}

type EdgeMessage struct {
	Index     int                        `json:"index"`
	FromStops []string                   `json:"fromStops"`
	ToStops   []string                   `json:"toStops"`
	Length    float64                    `json:"length"`
	Status    string                     `json:"status"`
	Ratio     float64                    `json:"ratio"`
	Paths     *geojson.FeatureCollection `json:"paths"`
}

type ResultMessage struct {
	ShapeID   string        `json:"shapeId"`
	Timestamp time.Time     `json:"timestamp"`
	Coverage  float64       `json:"coverage"`
	Length    float64       `json:"length"`
	Chosen    float64       `json:"chosenLength"`
	Partial   bool          `json:"partial"`
	Warnings  []string      `json:"warnings,omitempty"`
	Edges     []EdgeMessage `json:"edges"`
}

// NewResultMessage renders a result with every chosen path as a GeoJSON feature.
func NewResultMessage(res *conflate.Result, now time.Time) ResultMessage {
	msg := ResultMessage{
		ShapeID:   res.ShapeID,
		Timestamp: now.UTC(),
		Coverage:  res.Metadata.Coverage,
		Length:    res.Metadata.TotalLength,
		Chosen:    res.Metadata.ChosenLength,
		Partial:   res.Partial(),
		Warnings:  res.Warnings,
		Edges:     make([]EdgeMessage, 0, len(res.Choices)),
	}
	for _, c := range res.Choices {
		fc := geojson.NewFeatureCollection()
		for _, path := range c.Paths {
			f := geojson.NewFeature(path.Geometry)
			f.Properties["key"] = path.Key()
			f.Properties["length"] = path.Length
			f.Properties["matches"] = path.MatchIDs()
			fc.Append(f)
		}
		msg.Edges = append(msg.Edges, EdgeMessage{
			Index:     c.Edge.Index,
			FromStops: c.Edge.FromStops,
			ToStops:   c.Edge.ToStops,
			Length:    c.Edge.Length,
			Status:    string(c.Status),
			Ratio:     c.Ratio,
			Paths:     fc,
		})
	}
	return msg
}

func (p *NATSPublisher) Subject(shapeID string) string {
	if p.prefix == "" {
		return subjectToken(shapeID)
	}
	return fmt.Sprintf("%s.%s", p.prefix, subjectToken(shapeID))
}

func (p *NATSPublisher) Save(_ context.Context, res *conflate.Result) error {
	subject := p.Subject(res.ShapeID)
	b, err := json.Marshal(NewResultMessage(res, time.Now()))
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Infof("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
