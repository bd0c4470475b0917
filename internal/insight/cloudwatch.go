// Package insight summarises recent CloudWatch metric behaviour for an
// incident so the oracle sees more than the single alarm datapoint.
package insight

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/linnemanlabs/warden/internal/incident"
)

const (
	DefaultWindow = time.Hour
	DefaultPeriod = 5 * time.Minute
	// Points further than this many standard deviations from the mean are
	// reported as anomalies.
	anomalySigma = 3.0
	maxAnomalies = 5
	statistic    = "Average"
)

// dimensionByNamespace names the dimension that carries the resource
// identifier for each supported namespace.
var dimensionByNamespace = map[string]string{
	"AWS/EC2":            "InstanceId",
	"AWS/EBS":            "VolumeId",
	"AWS/RDS":            "DBInstanceIdentifier",
	"AWS/Lambda":         "FunctionName",
	"AWS/ApplicationELB": "LoadBalancer",
	"AWS/ECS":            "ClusterName",
	"AWS/DynamoDB":       "TableName",
	"AWS/SQS":            "QueueName",
}

// GetMetricDataAPI is the subset of the CloudWatch client used here.
type GetMetricDataAPI interface {
	GetMetricData(ctx context.Context, in *cloudwatch.GetMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error)
}

// CloudWatch describes the recent history of an incident's metric.
type CloudWatch struct {
	client GetMetricDataAPI
	window time.Duration
	period time.Duration
	now    func() time.Time
}

// New creates a CloudWatch describer. A non-positive window selects
// DefaultWindow.
func New(client GetMetricDataAPI, window time.Duration) *CloudWatch {
	if window <= 0 {
		window = DefaultWindow
	}
	return &CloudWatch{client: client, window: window, period: DefaultPeriod, now: time.Now}
}

// Point is one datapoint.
type Point struct {
	At    time.Time
	Value float64
}

// Summary is the statistical shape of a metric window.
type Summary struct {
	Points    int
	Min       float64
	Max       float64
	Mean      float64
	StdDev    float64
	Latest    Point
	Anomalies []Point
}

// Describe returns a short text summary of the metric behind inc over the
// configured window. It returns "" with no error when the namespace has no
// known resource dimension or CloudWatch returns no datapoints.
func (c *CloudWatch) Describe(ctx context.Context, inc *incident.Incident) (string, error) {
	dim, ok := dimensionByNamespace[inc.Namespace]
	if !ok || inc.ResourceID == "" || inc.MetricName == "" {
		return "", nil
	}

	end := c.now().UTC().Truncate(time.Minute)
	start := end.Add(-c.window)
	out, err := c.client.GetMetricData(ctx, &cloudwatch.GetMetricDataInput{
		StartTime: aws.Time(start),
		EndTime:   aws.Time(end),
		ScanBy:    types.ScanByTimestampAscending,
		MetricDataQueries: []types.MetricDataQuery{{
			Id: aws.String("m0"),
			MetricStat: &types.MetricStat{
				Metric: &types.Metric{
					Namespace:  aws.String(inc.Namespace),
					MetricName: aws.String(inc.MetricName),
					Dimensions: []types.Dimension{{Name: aws.String(dim), Value: aws.String(inc.ResourceID)}},
				},
				Period: aws.Int32(int32(c.period / time.Second)),
				Stat:   aws.String(statistic),
			},
			ReturnData: aws.Bool(true),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("cloudwatch get metric data %s/%s: %w", inc.Namespace, inc.MetricName, err)
	}

	var points []Point
	for _, r := range out.MetricDataResults {
		for i, ts := range r.Timestamps {
			if i < len(r.Values) {
				points = append(points, Point{At: ts, Value: r.Values[i]})
			}
		}
	}
	if len(points) == 0 {
		return "", nil
	}

	s := Summarize(points)
	return fmt.Sprintf("CloudWatch %s %s (%s=%s), last %s at %s %s:\n%s",
		inc.Namespace, inc.MetricName, dim, inc.ResourceID, c.window, c.period, statistic, s.Text()), nil
}

// Summarize computes the Summary of points, which must be non-empty.
func Summarize(points []Point) Summary {
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	s := Summary{
		Points: len(sorted),
		Min:    math.Inf(1),
		Max:    math.Inf(-1),
		Latest: sorted[len(sorted)-1],
	}
	var sum float64
	for _, p := range sorted {
		sum += p.Value
		s.Min = math.Min(s.Min, p.Value)
		s.Max = math.Max(s.Max, p.Value)
	}
	s.Mean = sum / float64(len(sorted))

	var sq float64
	for _, p := range sorted {
		d := p.Value - s.Mean
		sq += d * d
	}
	s.StdDev = math.Sqrt(sq / float64(len(sorted)))

	if s.StdDev > 0 {
		for _, p := range sorted {
			if math.Abs(p.Value-s.Mean) > anomalySigma*s.StdDev {
				s.Anomalies = append(s.Anomalies, p)
			}
		}
	}
	if len(s.Anomalies) > maxAnomalies {
		s.Anomalies = s.Anomalies[len(s.Anomalies)-maxAnomalies:]
	}
	return s
}

// Text renders s as a few prompt lines.
func (s Summary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "points %d, min %g, mean %.4g, max %g, stddev %.4g\n", s.Points, s.Min, s.Mean, s.Max, s.StdDev)
	fmt.Fprintf(&b, "latest %g at %s\n", s.Latest.Value, s.Latest.At.UTC().Format(time.RFC3339))
	if len(s.Anomalies) == 0 {
		b.WriteString("no points beyond 3 standard deviations of the mean\n")
		return b.String()
	}
	parts := make([]string, len(s.Anomalies))
	for i, p := range s.Anomalies {
		parts[i] = fmt.Sprintf("%g at %s", p.Value, p.At.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "anomalies beyond 3 standard deviations: %s\n", strings.Join(parts, "; "))
	return b.String()
}
