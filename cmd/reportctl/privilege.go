package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rsmtech/servicereport_backend/models"
	"github.com/spf13/cobra"
)

var (
	privilegeUserId     int
	privilegeCapability string
	privilegeActorId    int
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant a capability to a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPrivilege(true)
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke an active capability grant",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPrivilege(false)
	},
}

func init() {
	for _, c := range []*cobra.Command{grantCmd, revokeCmd} {
		c.Flags().IntVar(&privilegeUserId, "user", 0, "Target user id")
		c.Flags().StringVar(&privilegeCapability, "capability", "", "Capability (start, approve_maintenance, approve_sales, finalize, reject)")
		c.Flags().IntVar(&privilegeActorId, "by", 0, "Id of the admin or supervisor recorded as actor")
		_ = c.MarkFlagRequired("user")
		_ = c.MarkFlagRequired("capability")
		_ = c.MarkFlagRequired("by")
	}
}

func runPrivilege(grant bool) error {
	ctx := context.Background()
	capability, err := models.ParseCapability(privilegeCapability)
	if err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}

	actor, err := store.GetAccount(ctx, privilegeActorId)
	if err != nil {
		return err
	}
	if !models.CanManagePrivileges(actor.Role) {
		return fmt.Errorf("user %d (%s) cannot manage privileges", actor.ID, actor.Role)
	}

	var result *models.PrivilegeGrant
	if grant {
		result, err = store.GrantPrivilege(ctx, privilegeUserId, capability, actor.ID)
	} else {
		result, err = store.RevokePrivilege(ctx, privilegeUserId, capability, actor.ID)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(result)
	}
	verb := "granted"
	if !grant {
		verb = "revoked"
	}
	fmt.Printf("%s %s to user %d (grant id=%d)\n", verb, result.Capability, result.UserId, result.ID)
	return nil
}
