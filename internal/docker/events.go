package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"

	"github.com/wwwzy/KubeSentry/internal/cluster"
)

// ListEvents 回放 EventWindow 内 kubelet 容器的 oom/die 事件，并映射为 Kubernetes 风格的事件。
func (s *RuntimeSource) ListEvents(ctx context.Context) ([]cluster.RawEvent, error) {
	now := s.now()
	window := s.EventWindow
	if window <= 0 {
		window = 2 * time.Hour
	}

	msgs, errs := s.api.Events(ctx, events.ListOptions{
		Since: strconv.FormatInt(now.Add(-window).Unix(), 10),
		Until: strconv.FormatInt(now.Unix(), 10),
		Filters: filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
			filters.Arg("label", labelPodName),
			filters.Arg("event", string(events.ActionOOM)),
			filters.Arg("event", string(events.ActionDie)),
		),
	})

	var out []cluster.RawEvent
	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			// 指定 Until 时流结束以 io.EOF 形式返回。
			if err == nil || errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("failed to read docker events: %w", err)
		case m, ok := <-msgs:
			if !ok {
				return out, nil
			}
			if ev, ok := toRawEvent(m); ok {
				out = append(out, ev)
			}
		}
	}
}

func toRawEvent(m events.Message) (cluster.RawEvent, bool) {
	attrs := m.Actor.Attributes
	pod := attrs[labelPodName]
	if pod == "" || attrs[labelDockerType] == dockerTypeSandbox {
		return cluster.RawEvent{}, false
	}

	at := time.Unix(0, m.TimeNano).UTC()
	if m.TimeNano == 0 {
		at = time.Unix(m.Time, 0).UTC()
	}

	ev := cluster.RawEvent{
		UID:             fmt.Sprintf("docker-%s-%s-%d", truncateID(m.Actor.ID), m.Action, at.UnixNano()),
		Namespace:       attrs[labelPodNamespace],
		Name:            pod,
		Kind:            "Pod",
		Type:            "Warning",
		SourceComponent: "docker",
		FirstTimestamp:  at,
		LastTimestamp:   at,
		Count:           1,
	}
	container := attrs[labelContainerName]
	switch m.Action {
	case events.ActionOOM:
		ev.Reason = "OOMKilling"
		ev.Message = fmt.Sprintf("container %s was killed by the OOM killer", container)
	case events.ActionDie:
		code := attrs["exitCode"]
		if code == "0" {
			ev.Type = "Normal"
			ev.Reason = "Completed"
		} else {
			ev.Reason = "BackOff"
		}
		ev.Message = fmt.Sprintf("container %s exited with code %s", container, code)
	default:
		return cluster.RawEvent{}, false
	}
	return ev, true
}
