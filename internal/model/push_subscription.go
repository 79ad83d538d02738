package model

import "time"

// PushSubscription holds the information for a browser push subscription.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`

	// Machines limits alerts to the listed machines. No rows means every machine.
	Machines []PushSubscriptionMachine `gorm:"foreignKey:Endpoint;references:Endpoint"`
}

// PushSubscriptionMachine links a subscription to one machine id.
type PushSubscriptionMachine struct {
	Endpoint string `gorm:"primaryKey"`
	Machine  string `gorm:"primaryKey;size:64;index"`
}
