package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/infrasalud/internal/models"
)

// Topic is the push topic a device of the account subscribes to.
func Topic(accountID string) string { return "account-" + accountID }

// FCMDispatcher posts notifications to the FCM HTTP v1 send endpoint.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type fcmMessage struct {
	Message struct {
		Topic        string            `json:"topic"`
		Notification map[string]string `json:"notification"`
		Data         map[string]string `json:"data"`
	} `json:"message"`
}

func (f *FCMDispatcher) Notify(ctx context.Context, accountID string, n models.Notification) error {
	var body fcmMessage
	body.Message.Topic = Topic(accountID)
	body.Message.Notification = map[string]string{"title": n.Title, "body": n.Body}
	body.Message.Data = map[string]string{"job_id": n.JobID, "job_status": string(n.JobStatus)}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("fcm status %d", resp.StatusCode)
	}
	return nil
}
