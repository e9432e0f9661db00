package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// Probe asks the health service at addr for service's status.
func Probe(ctx context.Context, addr, service string) (*healthpb.HealthCheckResponse, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return nil, fmt.Errorf("health check %q: %w", service, err)
	}
	return resp, nil
}

// ProbeJSON renders a probe response as indented protojson.
func ProbeJSON(resp *healthpb.HealthCheckResponse) ([]byte, error) {
	return protojson.MarshalOptions{Multiline: true, EmitUnpopulated: true}.Marshal(resp)
}
