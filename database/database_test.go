package database

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"confess-rewards/models"
)

func TestOpenSqliteMigrates(t *testing.T) {
	db, err := Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)

	for _, model := range []any{&models.User{}, &models.Referral{}, &models.PayoutLeg{}, &models.WalletMirror{}} {
		require.True(t, db.Migrator().HasTable(model))
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "whatever")
	require.Error(t, err)
}
