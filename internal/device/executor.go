package device

import (
	"context"

	"github.com/DEOS-Org/biosync/internal/record"
)

// ForceSync runs a full sync now.
func (d *Device) ForceSync(ctx context.Context) error {
	_, err := d.sync.FullSync(ctx)
	return err
}

// Delete removes user id from the sensor and the cache. A sensor refusal
// leaves the identity in place and is returned as the command failure.
func (d *Device) Delete(ctx context.Context, id int64) error {
	rec, err := d.cache.Remove(ctx, id)
	if err != nil {
		return err
	}
	d.logger.Info("identity deleted", "user_id", id, "slot", rec.Slot)
	d.emit(ctx, record.Deletion{
		UserID:  id,
		Slot:    rec.Slot,
		Success: true,
		At:      d.now().UTC(),
	})
	return nil
}

// PublishStatus publishes a status message on the status topic
// immediately, whatever the connectivity state.
func (d *Device) PublishStatus(ctx context.Context) error {
	return d.publishStatus(ctx, "status requested")
}
