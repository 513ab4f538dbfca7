package interfaces

import (
	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
)

// LatestReader serves the latest-per-device queries
type LatestReader interface {
	Latest(deviceID string) (mqtmodels.LatestEntry, bool)
	LatestAll() []mqtmodels.LatestEntry
}
