/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/version"
)

var errMalformedRequest = errors.New("malformed request")

// errorResponse is the body of every failed request.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// configRequest accepts the write-only password next to the stored fields.
type configRequest struct {
	dispatch.Configuration
	Password string `json:"password"`
}

func (r *configRequest) configuration() *dispatch.Configuration {
	cfg := r.Configuration.Clone()
	cfg.Password = r.Password
	return cfg
}

type validateRequest struct {
	configRequest
	Retries int `json:"retries"`
}

type rankRequest struct {
	Owner string   `json:"owner"`
	IDs   []string `json:"ids"`
}

type importRequest struct {
	Owner string `json:"owner"`
	Text  string `json:"text"`
}

type sendRequest struct {
	Owner    string            `json:"owner"`
	ConfigID string            `json:"configId"`
	Message  *dispatch.Message `json:"message"`
}

// statusCode maps an error to the HTTP status of its response.
func statusCode(err error) int {
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	case errors.Is(err, dispatch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrUnsupportedProvider):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrInvalidField),
		errors.Is(err, dispatch.ErrMissingFields),
		errors.Is(err, dispatch.ErrMalformedImportLine),
		errors.Is(err, errMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrNoCandidates),
		errors.Is(err, dispatch.ErrAllCandidatesFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (server *Server) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "dispatchd/" + version.Version,
		DisableStartupMessage: true,
		BodyLimit:             dispatch.MaxUploadSize + 64*1024,
		ErrorHandler:          server.handleError,
	})

	app.Get("/health", server.handleHealth)

	v1 := app.Group("/v1")
	v1.Post("/configs", server.handleCreateConfig)
	v1.Get("/configs", server.handleListConfigs)
	v1.Post("/configs/validate", server.handleValidateConfig)
	v1.Post("/configs/rank", server.handleRankConfigs)
	v1.Post("/configs/import", server.handleImportConfigs)
	v1.Get("/configs/:id", server.handleGetConfig)
	v1.Delete("/configs/:id", server.handleDeleteConfig)
	v1.Post("/send", server.handleSend)
	v1.Get("/deliveries", server.handleListDeliveries)

	return app
}

// App returns the HTTP application of the server.
func (server *Server) App() *fiber.App {
	return server.app
}

func (server *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusCode(err)
	if code >= http.StatusInternalServerError && code != http.StatusBadGateway {
		server.logger.WithError(err).WithFields(logrus.Fields{
			"method": c.Method(),
			"path":   c.Path(),
		}).Errorln("http request failed")
	}

	return c.Status(code).JSON(&errorResponse{
		Success: false,
		Error:   err.Error(),
	})
}

func parseBody(c *fiber.Ctx, v interface{}) error {
	if err := c.BodyParser(v); err != nil {
		return fmt.Errorf("%w: %w", errMalformedRequest, err)
	}
	return nil
}

func (server *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"version": version.Version,
	})
}

func (server *Server) handleCreateConfig(c *fiber.Ctx) error {
	req := &configRequest{}
	if err := parseBody(c, req); err != nil {
		return err
	}

	created, err := server.service.CreateConfig(c.UserContext(), req.configuration())
	if err != nil {
		return err
	}

	return c.Status(http.StatusCreated).JSON(created)
}

func (server *Server) handleListConfigs(c *fiber.Ctx) error {
	configs, err := server.service.Store().List(c.UserContext(), c.Query("owner"))
	if err != nil {
		return err
	}
	if configs == nil {
		configs = []*dispatch.Configuration{}
	}

	return c.JSON(fiber.Map{
		"configs": configs,
	})
}

func (server *Server) handleGetConfig(c *fiber.Ctx) error {
	cfg, err := server.service.Store().Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}

	return c.JSON(cfg)
}

func (server *Server) handleDeleteConfig(c *fiber.Ctx) error {
	if err := server.service.Store().Delete(c.UserContext(), c.Params("id")); err != nil {
		return err
	}

	return c.SendStatus(http.StatusNoContent)
}

// handleValidateConfig validates a stored configuration by id, or an
// unsaved configuration given in full.
func (server *Server) handleValidateConfig(c *fiber.Ctx) error {
	req := &validateRequest{}
	if err := parseBody(c, req); err != nil {
		return err
	}

	ctx := c.UserContext()
	if req.ID != "" && req.ProviderType == "" {
		result, err := server.service.ValidateByID(ctx, req.ID, req.Retries)
		if err != nil {
			return err
		}
		return c.JSON(result)
	}

	cfg := req.configuration()
	cfg.ID = ""
	if err := cfg.ApplyDefaults(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var result *dispatch.ValidationResult
	if req.Retries > 1 {
		result = server.service.ValidateConfigWithRetry(ctx, cfg, req.Retries)
	} else {
		result = server.service.ValidateConfig(ctx, cfg)
	}
	return c.JSON(result)
}

func (server *Server) handleRankConfigs(c *fiber.Ctx) error {
	req := &rankRequest{}
	if err := parseBody(c, req); err != nil {
		return err
	}

	ctx := c.UserContext()
	var ranked []*dispatch.Configuration
	if len(req.IDs) > 0 {
		configs := make([]*dispatch.Configuration, 0, len(req.IDs))
		for _, id := range req.IDs {
			cfg, err := server.service.Store().Get(ctx, id)
			if err != nil {
				return err
			}
			configs = append(configs, cfg)
		}
		ranked = server.service.RankConfigs(configs)
	} else {
		if req.Owner == "" {
			return fmt.Errorf("%w: owner or ids required", errMalformedRequest)
		}
		var err error
		if ranked, err = server.service.RankForOwner(ctx, req.Owner); err != nil {
			return err
		}
	}
	if ranked == nil {
		ranked = []*dispatch.Configuration{}
	}

	return c.JSON(fiber.Map{
		"configs": ranked,
	})
}

// handleImportConfigs imports a credential list, given as JSON text or as
// multipart file upload.
func (server *Server) handleImportConfigs(c *fiber.Ctx) error {
	req := &importRequest{}

	contentType := strings.ToLower(string(c.Request().Header.ContentType()))
	if strings.HasPrefix(contentType, fiber.MIMEMultipartForm) {
		req.Owner = c.FormValue("owner")
		fh, err := c.FormFile("file")
		if err != nil {
			return fmt.Errorf("%w: file: %v", errMalformedRequest, err)
		}
		if fh.Size > dispatch.MaxUploadSize {
			return fiber.NewError(http.StatusRequestEntityTooLarge, "upload too large")
		}
		f, err := fh.Open()
		if err != nil {
			return fmt.Errorf("%w: file: %v", errMalformedRequest, err)
		}
		defer f.Close()
		if req.Text, err = dispatch.DecodeUpload(fh.Filename, f); err != nil {
			return err
		}
	} else if err := parseBody(c, req); err != nil {
		return err
	}

	if req.Owner == "" {
		return fmt.Errorf("%w: owner required", errMalformedRequest)
	}

	report, err := server.service.ImportConfigs(c.UserContext(), req.Owner, req.Text)
	if err != nil {
		return err
	}

	return c.JSON(report)
}

// handleSend dispatches a message. Failed dispatches still return the full
// result with all attempts.
func (server *Server) handleSend(c *fiber.Ctx) error {
	req := &sendRequest{}
	if err := parseBody(c, req); err != nil {
		return err
	}
	if req.Owner == "" && req.ConfigID == "" {
		return fmt.Errorf("%w: owner or configId required", errMalformedRequest)
	}

	result, err := server.service.SendForOwner(c.UserContext(), req.Owner, req.ConfigID, req.Message)
	if err != nil {
		if result == nil {
			return err
		}
		return c.Status(statusCode(err)).JSON(result)
	}

	return c.JSON(result)
}

func (server *Server) handleListDeliveries(c *fiber.Ctx) error {
	records, err := server.config.Deliveries.List(c.UserContext(), c.Query("config"))
	if err != nil {
		return err
	}
	if records == nil {
		records = []*dispatch.DeliveryRecord{}
	}

	return c.JSON(fiber.Map{
		"deliveries": records,
	})
}
