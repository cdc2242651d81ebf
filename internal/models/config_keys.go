package models

// Config categories
const (
	ConfigCategoryGeneral        = "general"
	ConfigCategoryAutoAssignment = "auto_assignment"
)

// Auto-assignment config keys
const (
	ConfigAutoAssignEnabled               = "auto_assignment_enabled"
	ConfigAutoAssignTriggerOnPayment      = "auto_assignment_trigger_on_payment"
	ConfigAutoAssignTriggerOnStatusChange = "auto_assignment_trigger_on_status_change"
	ConfigAutoAssignStrategy              = "auto_assignment_strategy"
	ConfigAutoAssignConcurrentLimit       = "auto_assignment_concurrent_limit"
)

// StrategyFirstAvailable hands out the oldest available key of a product
const StrategyFirstAvailable = "first_available"

// ConfigDefault describes a config entry created at startup when missing
type ConfigDefault struct {
	Key         string
	Value       ConfigValue
	Description string
	Category    string
}

// DefaultConfigs returns the config entries seeded on first start
func DefaultConfigs(concurrentLimit int) []ConfigDefault {
	return []ConfigDefault{
		{
			Key:         ConfigAutoAssignEnabled,
			Value:       BoolValue(false),
			Description: "Enable automatic key assignment for paid orders",
			Category:    ConfigCategoryAutoAssignment,
		},
		{
			Key:         ConfigAutoAssignTriggerOnPayment,
			Value:       BoolValue(true),
			Description: "Trigger auto-assignment when payment is confirmed",
			Category:    ConfigCategoryAutoAssignment,
		},
		{
			Key:         ConfigAutoAssignTriggerOnStatusChange,
			Value:       BoolValue(true),
			Description: "Trigger auto-assignment when order status changes to paid",
			Category:    ConfigCategoryAutoAssignment,
		},
		{
			Key:         ConfigAutoAssignStrategy,
			Value:       StringValue(StrategyFirstAvailable),
			Description: "Key selection strategy for auto-assignment",
			Category:    ConfigCategoryAutoAssignment,
		},
		{
			Key:         ConfigAutoAssignConcurrentLimit,
			Value:       NumberValue(float64(concurrentLimit)),
			Description: "Maximum concurrent auto-assignments",
			Category:    ConfigCategoryAutoAssignment,
		},
	}
}
