package prover

import (
	"encoding/json"
	"fmt"

	natsutil "github.com/kthomas/go-natsutil"
	"github.com/nats-io/nats.go"
	"github.com/provideplatform/proofmarket/common"
)

const natsProverNotificationRegistered = "registered"
const natsProverNotificationStatusChanged = "status.changed"

// dispatchNotification broadcasts a registry event to qualified subjects
func (p *Prover) dispatchNotification(event string) (*nats.PubAck, error) {
	prefix := p.notificationsSubjectPrefix()
	if prefix == nil {
		return nil, fmt.Errorf("failed to dispatch event notification for prover %s; nil prefix", p.ID.String())
	}
	if event == "" {
		return nil, fmt.Errorf("failed to dispatch event notification for prover %s", p.ID.String())
	}
	subject := fmt.Sprintf("%s.%s", *prefix, event)
	payload, _ := json.Marshal(map[string]interface{}{
		"prover_id": p.ID.String(),
		"status":    p.Status,
	})
	return natsutil.NatsJetstreamPublish(subject, payload)
}

// notificationsSubjectPrefix returns the pub/sub subject prefix for the prover
func (p *Prover) notificationsSubjectPrefix() *string {
	if p.ApplicationID != nil {
		return common.StringOrNil(fmt.Sprintf("proofmarket.prover.notification.%s.%s", p.ApplicationID.String(), p.ID.String()))
	} else if p.OrganizationID != nil {
		return common.StringOrNil(fmt.Sprintf("proofmarket.prover.notification.%s.%s", p.OrganizationID.String(), p.ID.String()))
	} else if p.UserID != nil {
		return common.StringOrNil(fmt.Sprintf("proofmarket.prover.notification.%s.%s", p.UserID.String(), p.ID.String()))
	}

	return common.StringOrNil(fmt.Sprintf("proofmarket.prover.notification.%s", p.ID.String()))
}
