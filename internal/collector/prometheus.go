package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ErrMalformed 表示查询结果无法解析为数值向量。
var ErrMalformed = errors.New("malformed query result")

// Series 为查询返回的一条时间序列（瞬时值）。
type Series struct {
	Value  float64
	Labels map[string]string
}

// Querier 对一个 Prometheus 兼容端点执行即时查询。
type Querier interface {
	Query(ctx context.Context, expr string) ([]Series, error)
}

type PrometheusQuerier struct {
	api     v1.API
	timeout time.Duration
}

// NewPrometheusQuerier 创建查询客户端；token 非空时以 Bearer 方式附加到每个请求。
func NewPrometheusQuerier(endpoint string, token string, timeout time.Duration) (*PrometheusQuerier, error) {
	if endpoint == "" {
		return nil, errors.New("prometheus endpoint is required")
	}
	rt := api.DefaultRoundTripper
	if token != "" {
		rt = bearerRoundTripper{token: token, next: rt}
	}
	client, err := api.NewClient(api.Config{Address: endpoint, RoundTripper: rt})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	return &PrometheusQuerier{api: v1.NewAPI(client), timeout: timeout}, nil
}

func (p *PrometheusQuerier) Query(ctx context.Context, expr string) ([]Series, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	val, _, err := p.api.Query(ctx, expr, time.Now())
	if err != nil {
		return nil, err
	}
	return parseValue(val)
}

// parseValue 只接受 vector 与 scalar；非有限值的样本被丢弃。
func parseValue(val model.Value) ([]Series, error) {
	switch v := val.(type) {
	case model.Vector:
		out := make([]Series, 0, len(v))
		for _, s := range v {
			f := float64(s.Value)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				continue
			}
			labels := make(map[string]string, len(s.Metric))
			for k, lv := range s.Metric {
				if k == model.MetricNameLabel {
					continue
				}
				labels[string(k)] = string(lv)
			}
			out = append(out, Series{Value: f, Labels: labels})
		}
		return out, nil
	case *model.Scalar:
		f := float64(v.Value)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, nil
		}
		return []Series{{Value: f, Labels: map[string]string{}}}, nil
	case nil:
		return nil, fmt.Errorf("%w: empty result", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unsupported result type %s", ErrMalformed, val.Type())
	}
}

type bearerRoundTripper struct {
	token string
	next  http.RoundTripper
}

func (b bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+b.token)
	return b.next.RoundTrip(r)
}
