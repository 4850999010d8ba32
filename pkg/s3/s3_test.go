package s3

import "testing"

func TestPublicURL(t *testing.T) {
	tests := []struct {
		name   string
		client *Client
		bucket string
		key    string
		want   string
	}{
		{
			name:   "aws virtual hosted",
			client: &Client{region: "eu-north-1"},
			bucket: "stj-profiles",
			key:    "CleanBrowsing-Adult-abcdef12.mobileconfig",
			want:   "https://stj-profiles.s3.eu-north-1.amazonaws.com/CleanBrowsing-Adult-abcdef12.mobileconfig",
		},
		{
			name:   "custom endpoint path style",
			client: &Client{endpoint: "https://objects.example.com"},
			bucket: "stj-profiles",
			key:    "profiles/adult.mobileconfig",
			want:   "https://objects.example.com/stj-profiles/profiles/adult.mobileconfig",
		},
		{
			name:   "key with spaces is escaped",
			client: &Client{region: "eu-north-1"},
			bucket: "stj-profiles",
			key:    "CleanBrowsing Adult.mobileconfig",
			want:   "https://stj-profiles.s3.eu-north-1.amazonaws.com/CleanBrowsing%20Adult.mobileconfig",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.client.PublicURL(tt.bucket, tt.key); got != tt.want {
				t.Fatalf("PublicURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
