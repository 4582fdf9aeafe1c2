package access

import (
	"github.com/good-yellow-bee/alarmvault/internal/models"
)

var recordOps = []models.Operation{
	models.OpCreate, models.OpRetrieve, models.OpUpdate, models.OpDelete, models.OpStatus,
}

var allOps = append(append([]models.Operation{}, recordOps...),
	models.OpDiagnostics, models.OpBypass, models.OpBackup, models.OpReport, models.OpAlerts,
)

// capabilities maps each role to the operations it may perform.
var capabilities = map[models.Role]map[models.Operation]bool{
	models.RoleUser:    opSet(recordOps),
	models.RolePremium: opSet(recordOps),
	models.RoleAdmin:   opSet(allOps),
	models.RoleSystem:  opSet(allOps, models.OpAlerts),
}

func opSet(ops []models.Operation, except ...models.Operation) map[models.Operation]bool {
	set := make(map[models.Operation]bool, len(ops))
	for _, op := range ops {
		set[op] = true
	}
	for _, op := range except {
		delete(set, op)
	}
	return set
}

// Permits reports whether role may perform op.
func Permits(role models.Role, op models.Operation) bool {
	return capabilities[role][op]
}
