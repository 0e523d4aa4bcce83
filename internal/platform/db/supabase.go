package db

import (
	"context"
	"fmt"

	supa "github.com/supabase-community/supabase-go"
)

// NewSupabaseClient creates a PostgREST client for the hosted backend using
// the service key, which bypasses row-level security.
func NewSupabaseClient(url, serviceKey string) (*supa.Client, error) {
	client, err := supa.NewClient(url, serviceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return client, nil
}

// SupabaseCheck pings the hosted backend by reading one status row.
func SupabaseCheck(client *supa.Client) Check {
	return Check{
		Name: "supabase",
		Ping: func(_ context.Context) error {
			_, _, err := client.From("appointment_statuses").Select("id", "", false).Limit(1, "").Execute()
			return err
		},
	}
}
